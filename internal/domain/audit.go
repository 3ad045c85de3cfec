package domain

import "time"

// AuditOutcome records how a security-relevant decision ended.
type AuditOutcome string

const (
	OutcomeAllowed AuditOutcome = "allowed"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
	OutcomeWarning AuditOutcome = "warning"
)

// AuditEvent is an immutable append-only record created on every
// security-relevant decision. The core never mutates or deletes
// events; retention is an external concern.
type AuditEvent struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Actor     string       `json:"actor"`
	Action    Action       `json:"action"`
	EngineID  string       `json:"engineId,omitempty"`
	Target    string       `json:"target,omitempty"`
	Outcome   AuditOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`

	// Query is the statement text with string literals redacted.
	Query string `json:"query,omitempty"`
}

// AuditSink receives events emitted by the audit logger. Sinks must
// not block the emitting path.
type AuditSink interface {
	Emit(ev AuditEvent)
	Close() error
}
