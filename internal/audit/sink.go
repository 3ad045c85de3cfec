package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-db/kestrel/internal/domain"
)

// NewSinks builds the sink set named by the config. The "memory" sink
// is the logger's own ring, so it needs no extra sink here.
func NewSinks(cfg domain.AuditConfig, logger *slog.Logger) ([]domain.AuditSink, error) {
	switch cfg.Sink {
	case "", "memory":
		return nil, nil
	case "channel":
		return []domain.AuditSink{NewChannelSink(cfg.BufferSize)}, nil
	case "nats":
		s, err := NewNATSSink(cfg, logger)
		if err != nil {
			return nil, err
		}
		return []domain.AuditSink{s}, nil
	default:
		return nil, domain.E(domain.ErrConfiguration, "unknown audit sink %q", cfg.Sink)
	}
}

// ChannelSink hands events to an in-process consumer. When the
// consumer falls behind the sink drops new events and counts them
// rather than stalling the query path.
type ChannelSink struct {
	ch      chan domain.AuditEvent
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelSink{ch: make(chan domain.AuditEvent, buffer)}
}

// Events is the consumer side.
func (s *ChannelSink) Events() <-chan domain.AuditEvent { return s.ch }

// Dropped reports how many events were discarded under backpressure.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

func (s *ChannelSink) Emit(ev domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}
