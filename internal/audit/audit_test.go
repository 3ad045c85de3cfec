package audit

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/opensource-db/kestrel/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitAssignsIdentity(t *testing.T) {
	l := New(discardLogger(), 10)
	l.Emit(domain.AuditEvent{Actor: "alice", Outcome: domain.OutcomeAllowed})

	events := l.Recent(1)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Error("emit must assign an event id")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("emit must stamp the event")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l := New(discardLogger(), 100)
	for i := 0; i < 5; i++ {
		l.Emit(domain.AuditEvent{Actor: fmt.Sprintf("user-%d", i)})
	}

	events := l.Recent(3)
	if len(events) != 3 {
		t.Fatalf("expected three events, got %d", len(events))
	}
	if events[0].Actor != "user-4" || events[2].Actor != "user-2" {
		t.Errorf("expected newest first, got %s .. %s", events[0].Actor, events[2].Actor)
	}

	all := l.Recent(0)
	if len(all) != 5 {
		t.Errorf("n<=0 returns everything, got %d", len(all))
	}
}

func TestRingDropsOldestUnderPressure(t *testing.T) {
	l := New(discardLogger(), 10)
	for i := 0; i < 25; i++ {
		l.Emit(domain.AuditEvent{Actor: fmt.Sprintf("user-%d", i)})
	}

	events := l.Recent(0)
	if len(events) > 11 {
		t.Errorf("ring must stay bounded, got %d events", len(events))
	}
	if events[0].Actor != "user-24" {
		t.Errorf("newest event must survive compaction, got %s", events[0].Actor)
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	l := New(discardLogger(), 10)
	l.Emit(domain.AuditEvent{Actor: "before"})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	l.Emit(domain.AuditEvent{Actor: "after"})

	events := l.Recent(0)
	if len(events) != 1 || events[0].Actor != "before" {
		t.Errorf("closed logger must not accept events, got %v", events)
	}
}

func TestChannelSinkDelivery(t *testing.T) {
	sink := NewChannelSink(4)
	l := New(discardLogger(), 10, sink)

	l.Emit(domain.AuditEvent{Actor: "alice"})
	select {
	case ev := <-sink.Events():
		if ev.Actor != "alice" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("event not delivered to the sink")
	}
}

func TestChannelSinkDropsUnderBackpressure(t *testing.T) {
	sink := NewChannelSink(2)
	for i := 0; i < 5; i++ {
		sink.Emit(domain.AuditEvent{Actor: fmt.Sprintf("user-%d", i)})
	}
	if got := sink.Dropped(); got != 3 {
		t.Errorf("expected three dropped events, got %d", got)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Emit after close must not panic on the closed channel.
	sink.Emit(domain.AuditEvent{Actor: "late"})
}

func TestNewSinksFactory(t *testing.T) {
	logger := discardLogger()

	sinks, err := NewSinks(domain.AuditConfig{Sink: "memory"}, logger)
	if err != nil || sinks != nil {
		t.Errorf("memory sink needs no fanout, got %v %v", sinks, err)
	}

	sinks, err = NewSinks(domain.AuditConfig{Sink: "channel", BufferSize: 8}, logger)
	if err != nil || len(sinks) != 1 {
		t.Errorf("expected one channel sink, got %v %v", sinks, err)
	}

	if _, err := NewSinks(domain.AuditConfig{Sink: "carrier-pigeon"}, logger); domain.KindOf(err) != domain.ErrConfiguration {
		t.Errorf("expected configuration_error, got %v", err)
	}
}
