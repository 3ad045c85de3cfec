// Package dispatch routes logical requests onto registered engines,
// running the security layer ahead of every statement.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	readRetryAttempts = 3
	readRetryBase     = 50 * time.Millisecond
)

// Dispatcher holds the engine registry and the active default. There
// is no process-wide singleton; callers hold a Dispatcher reference.
type Dispatcher struct {
	mu      sync.RWMutex
	engines map[string]domain.Engine
	active  string

	sec    *security.Layer
	logger *slog.Logger
	tracer trace.Tracer

	txs *txRegistry
}

// New builds an empty registry around the security layer.
func New(sec *security.Layer, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		engines: make(map[string]domain.Engine),
		sec:     sec,
		logger:  logger,
		tracer:  otel.Tracer("kestrel-dispatch"),
	}
	d.txs = newTxRegistry(d)
	return d
}

// Register adds an engine under its id. The first registered engine
// becomes the active default.
func (d *Dispatcher) Register(eng domain.Engine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := eng.ID()
	if _, exists := d.engines[id]; exists {
		return domain.E(domain.ErrConfiguration, "engine %q already registered", id)
	}
	d.engines[id] = eng
	if d.active == "" {
		d.active = id
	}
	d.logger.Info("engine registered", "engine", id, "type", string(eng.Type()))
	return nil
}

// resolve returns the engine for an id; empty id means the active
// default.
func (d *Dispatcher) resolve(id string) (domain.Engine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == "" {
		id = d.active
	}
	eng, ok := d.engines[id]
	if !ok {
		return nil, domain.Wrap(domain.ErrConfiguration, domain.ErrEngineUnknown, "engine %q", id)
	}
	return eng, nil
}

// SwitchEngine swaps the active default without restarting.
func (d *Dispatcher) SwitchEngine(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.engines[id]; !ok {
		return domain.Wrap(domain.ErrConfiguration, domain.ErrEngineUnknown, "engine %q", id)
	}
	prev := d.active
	d.active = id
	d.logger.Info("active engine switched", "from", prev, "to", id)
	return nil
}

// ActiveEngine returns the current default id.
func (d *Dispatcher) ActiveEngine() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// EngineStatus is one row of list_engines.
type EngineStatus struct {
	ID      string            `json:"id"`
	Type    domain.EngineType `json:"type"`
	Healthy bool              `json:"healthy"`
	Active  bool              `json:"active"`
	Stats   domain.PoolStats  `json:"stats"`
}

// ListEngines reports every registered engine with a liveness probe.
func (d *Dispatcher) ListEngines(ctx context.Context) []EngineStatus {
	d.mu.RLock()
	engines := make(map[string]domain.Engine, len(d.engines))
	for id, eng := range d.engines {
		engines[id] = eng
	}
	active := d.active
	d.mu.RUnlock()

	out := make([]EngineStatus, 0, len(engines))
	for id, eng := range engines {
		out = append(out, EngineStatus{
			ID:      id,
			Type:    eng.Type(),
			Healthy: eng.HealthCheck(ctx) == nil,
			Active:  id == active,
			Stats:   eng.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteQuery runs a read. Transient connection failures retry with
// bounded exponential backoff; reads are idempotent, so retrying is
// safe. Results pass through column and row masking before return.
func (d *Dispatcher) ExecuteQuery(ctx context.Context, engineID string, caller domain.Caller, query string, params []domain.Value) (*domain.QueryResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.execute_query",
		trace.WithAttributes(attribute.String("engine.id", engineID)))
	defer span.End()

	eng, err := d.resolve(engineID)
	if err != nil {
		return nil, err
	}
	st, err := d.sec.Check(eng.ID(), eng.Type(), caller, query)
	if err != nil {
		return nil, err
	}

	var res *domain.QueryResult
	backoff := readRetryBase
	for attempt := 0; ; attempt++ {
		res, err = d.queryOnce(ctx, eng, query, params)
		if err == nil {
			break
		}
		if st.Action != domain.ActionRead || !domain.Retryable(err) || attempt+1 >= readRetryAttempts {
			return nil, err
		}
		d.logger.Warn("retrying read after transient failure",
			"engine", eng.ID(), "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, domain.Wrap(domain.ErrTimeout, ctx.Err(), "query cancelled during retry")
		}
		backoff *= 2
	}

	d.sec.Mask(res, st, caller)
	return res, nil
}

func (d *Dispatcher) queryOnce(ctx context.Context, eng domain.Engine, query string, params []domain.Value) (*domain.QueryResult, error) {
	conn, err := eng.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Query(ctx, query, params)
}

// ExecuteCommand runs a mutation. Never retried: a partially applied
// write must surface to the caller, not silently duplicate.
func (d *Dispatcher) ExecuteCommand(ctx context.Context, engineID string, caller domain.Caller, query string, params []domain.Value) (*domain.ExecResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.execute_command",
		trace.WithAttributes(attribute.String("engine.id", engineID)))
	defer span.End()

	eng, err := d.resolve(engineID)
	if err != nil {
		return nil, err
	}
	_, err = d.sec.Check(eng.ID(), eng.Type(), caller, query)
	if err != nil {
		return nil, err
	}

	conn, err := eng.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Execute(ctx, query, params)
}

// GetSchema introspects one table or the whole schema.
func (d *Dispatcher) GetSchema(ctx context.Context, engineID, table string) (*domain.SchemaInfo, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.get_schema",
		trace.WithAttributes(attribute.String("engine.id", engineID)))
	defer span.End()

	eng, err := d.resolve(engineID)
	if err != nil {
		return nil, err
	}
	conn, err := eng.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Schema(ctx, table)
}

// AssignUserRole grants a role. The acting caller must hold an admin
// grant on the policy document; the mutation is audited under them.
func (d *Dispatcher) AssignUserRole(admin domain.Caller, user, role string) error {
	if err := d.sec.CheckAdmin(admin, "rbac_policy"); err != nil {
		return err
	}
	err := d.sec.Authorizer().AssignRole(user, role)
	d.recordAdmin(admin, "assign_role "+user+"="+role, err)
	return err
}

// RevokeUserRole removes a role. Admin-gated like AssignUserRole.
func (d *Dispatcher) RevokeUserRole(admin domain.Caller, user, role string) error {
	if err := d.sec.CheckAdmin(admin, "rbac_policy"); err != nil {
		return err
	}
	err := d.sec.Authorizer().RevokeRole(user, role)
	d.recordAdmin(admin, "revoke_role "+user+"="+role, err)
	return err
}

// UpdateRBACConfig replaces the policy document. Admin-gated, with one
// exception: an empty policy denies everyone, so the very first
// document installs without a grant.
func (d *Dispatcher) UpdateRBACConfig(admin domain.Caller, cfg domain.RBACConfig) error {
	if !d.sec.Authorizer().PolicyEmpty() {
		if err := d.sec.CheckAdmin(admin, "rbac_policy"); err != nil {
			return err
		}
	}
	err := d.sec.Authorizer().UpdateConfig(cfg)
	d.recordAdmin(admin, "update_rbac_config", err)
	return err
}

// GetUserRoles resolves effective roles, inherited ones included.
func (d *Dispatcher) GetUserRoles(user string) []string {
	return d.sec.Authorizer().EffectiveRoles(user)
}

// RecentAuditEvents exposes the audit tail.
func (d *Dispatcher) RecentAuditEvents(n int) []domain.AuditEvent {
	return d.sec.RecentEvents(n)
}

func (d *Dispatcher) recordAdmin(admin domain.Caller, detail string, err error) {
	outcome := domain.OutcomeAllowed
	if err != nil {
		outcome = domain.OutcomeError
		detail += ": " + err.Error()
	}
	d.sec.Record(domain.AuditEvent{
		Actor:   admin.User,
		Action:  domain.ActionAdmin,
		Outcome: outcome,
		Detail:  detail,
	})
}

// Close rolls back open transactions and closes every engine.
func (d *Dispatcher) Close() error {
	d.txs.close()

	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for id, eng := range d.engines {
		if err := eng.Close(); err != nil {
			d.logger.Error("engine close failed", "engine", id, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	d.engines = make(map[string]domain.Engine)
	d.active = ""
	return first
}
