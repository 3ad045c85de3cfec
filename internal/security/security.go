// Package security enforces the checks every statement passes before
// it reaches a backend: injection pattern scanning, role-based access
// control with conditional rules, column/row-level masking and audit
// emission.
package security

import (
	"log/slog"
	"time"

	"github.com/opensource-db/kestrel/internal/audit"
	"github.com/opensource-db/kestrel/internal/domain"
)

// Layer wires the enforcement stages in their fixed order: injection
// scan, RBAC evaluation, then (after execution) column/row masking.
// Every decision emits one audit event, success or failure.
type Layer struct {
	cfg      domain.SecurityConfig
	detector *Detector
	auth     *Authorizer
	masker   *Masker
	vault    *TokenVault
	audit    *audit.Logger
	logger   *slog.Logger
	clock    domain.Now
}

// NewLayer compiles the policy document and builds the enforcement
// pipeline.
func NewLayer(sec domain.SecurityConfig, rbac domain.RBACConfig, auditLog *audit.Logger, logger *slog.Logger) (*Layer, error) {
	auth, err := NewAuthorizer(rbac, sec)
	if err != nil {
		return nil, err
	}
	vault := NewTokenVault()
	return &Layer{
		cfg:      sec,
		detector: NewDetector(sec),
		auth:     auth,
		masker:   NewMasker(auth, vault),
		vault:    vault,
		audit:    auditLog,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the decision clock. Test hook.
func (l *Layer) SetClock(clock domain.Now) { l.clock = clock }

// Authorizer exposes the policy engine for the admin surface.
func (l *Layer) Authorizer() *Authorizer { return l.auth }

// Vault exposes token resolution for admin callers.
func (l *Layer) Vault() *TokenVault { return l.vault }

// Check runs the pre-execution stages on a statement. It returns the
// classification so the caller can apply masking to the result rows.
// No pooled connection is touched before Check passes.
func (l *Layer) Check(engineID string, typ domain.EngineType, caller domain.Caller, query string) (Statement, error) {
	st := Classify(typ, query)

	// The structural catalogue applies to every engine's template:
	// Redis command lines and Mongo command documents reach backends
	// able to evaluate embedded scripts, so they get the same scan and
	// length bound as SQL text.
	if err := l.detector.Scan(query); err != nil {
		l.emit(engineID, caller, st, domain.OutcomeDenied, err.Error(), query)
		return st, err
	}

	if l.cfg.EnableRBAC {
		req := Request{
			Caller:      caller,
			Action:      st.Action,
			Resource:    st.Target,
			Query:       query,
			EngineID:    engineID,
			At:          l.clock(),
			Complexity:  complexityScore(query),
			Sensitivity: l.auth.sensitivityOf(st.Target),
		}
		if err := l.auth.Authorize(req); err != nil {
			l.emit(engineID, caller, st, domain.OutcomeDenied, err.Error(), query)
			return st, err
		}
	}

	l.emit(engineID, caller, st, domain.OutcomeAllowed, "", query)
	return st, nil
}

// CheckAdmin authorizes an administrative action on a named internal
// resource (token vault, policy document).
func (l *Layer) CheckAdmin(caller domain.Caller, resource string) error {
	st := Statement{Action: domain.ActionAdmin, Target: resource}
	if !l.cfg.EnableRBAC {
		l.emit("", caller, st, domain.OutcomeAllowed, "", "")
		return nil
	}
	req := Request{
		Caller:   caller,
		Action:   domain.ActionAdmin,
		Resource: resource,
		At:       l.clock(),
	}
	if err := l.auth.Authorize(req); err != nil {
		l.emit("", caller, st, domain.OutcomeDenied, err.Error(), "")
		return err
	}
	l.emit("", caller, st, domain.OutcomeAllowed, "", "")
	return nil
}

// Mask applies column and row policies to a result in place.
func (l *Layer) Mask(res *domain.QueryResult, st Statement, caller domain.Caller) {
	if !l.cfg.EnableRBAC {
		return
	}
	l.masker.Apply(res, st.Target, caller, l.clock())
}

// Record emits an ad-hoc audit event (errors, warnings from lifecycle
// paths).
func (l *Layer) Record(ev domain.AuditEvent) {
	if !l.cfg.EnableAuditLogging {
		return
	}
	if ev.Query != "" {
		ev.Query = Redact(ev.Query)
	}
	l.audit.Emit(ev)
}

// RecentEvents returns the newest audit events for the admin surface.
func (l *Layer) RecentEvents(n int) []domain.AuditEvent {
	return l.audit.Recent(n)
}

func (l *Layer) emit(engineID string, caller domain.Caller, st Statement, outcome domain.AuditOutcome, detail, query string) {
	if !l.cfg.EnableAuditLogging {
		return
	}
	l.audit.Emit(domain.AuditEvent{
		Actor:    caller.User,
		Action:   st.Action,
		EngineID: engineID,
		Target:   st.Target,
		Outcome:  outcome,
		Detail:   detail,
		Query:    Redact(query),
	})
}
