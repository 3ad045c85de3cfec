// Package audit records security-relevant decisions as immutable
// append-only events: an in-process ring for inspection plus optional
// external sinks (channel, NATS).
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-db/kestrel/internal/domain"
)

// Logger assigns event identity, keeps a bounded in-memory log and
// fans events out to the configured sinks. Emit never blocks the
// query path.
type Logger struct {
	logger *slog.Logger

	mu     sync.RWMutex
	events []domain.AuditEvent
	limit  int
	closed bool

	sinks []domain.AuditSink
}

// New builds a logger with a bounded in-memory log.
func New(logger *slog.Logger, bufferSize int, sinks ...domain.AuditSink) *Logger {
	if bufferSize <= 0 {
		bufferSize = 10_000
	}
	return &Logger{
		logger: logger,
		limit:  bufferSize,
		sinks:  sinks,
	}
}

// Emit stamps identity onto the event, appends it and forwards it to
// every sink. Events are never mutated after this point.
func (l *Logger) Emit(ev domain.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.limit {
		// Oldest half is dropped in one slide to keep appends O(1)
		// amortized.
		keep := l.limit / 2
		l.events = append(l.events[:0:0], l.events[len(l.events)-keep:]...)
	}
	sinks := l.sinks
	l.mu.Unlock()

	l.logger.Info("audit",
		"event_id", ev.ID,
		"actor", ev.Actor,
		"action", string(ev.Action),
		"engine", ev.EngineID,
		"target", ev.Target,
		"outcome", string(ev.Outcome),
		"detail", ev.Detail,
	)

	for _, s := range sinks {
		s.Emit(ev)
	}
}

// Recent returns up to n of the newest events, newest first.
func (l *Logger) Recent(n int) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]domain.AuditEvent, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[len(l.events)-1-i]
	}
	return out
}

// Close stops accepting events and closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sinks := l.sinks
	l.mu.Unlock()

	var first error
	for _, s := range sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
