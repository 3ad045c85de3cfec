package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-db/kestrel/internal/audit"
	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/engine"
	"github.com/opensource-db/kestrel/internal/security"
)

func testPolicy() domain.RBACConfig {
	return domain.RBACConfig{
		Roles: []domain.Role{{Name: "app"}, {Name: "reader"}},
		Rules: []domain.AccessRule{
			{
				ID:       "deny-secrets",
				Roles:    []string{"app", "reader"},
				Actions:  []domain.Action{domain.ActionRead, domain.ActionWrite, domain.ActionDelete},
				Resource: "secrets",
				Effect:   domain.EffectDeny,
			},
			{
				ID:       "app-all",
				Roles:    []string{"app"},
				Actions:  []domain.Action{domain.ActionRead, domain.ActionWrite, domain.ActionDelete, domain.ActionAdmin},
				Resource: "*",
				Effect:   domain.EffectAllow,
			},
			{
				ID:       "reader-read",
				Roles:    []string{"reader"},
				Actions:  []domain.Action{domain.ActionRead},
				Resource: "*",
				Effect:   domain.EffectAllow,
			},
		},
		Assignments: map[string][]string{
			"svc":    {"app"},
			"viewer": {"reader"},
		},
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sec, err := security.NewLayer(domain.SecurityConfig{
		EnableSQLInjectionDetection: true,
		EnableRBAC:                  true,
		EnableAuditLogging:          true,
	}, testPolicy(), audit.New(logger, 1000), logger)
	if err != nil {
		t.Fatalf("security layer: %v", err)
	}

	d := New(sec, logger)
	t.Cleanup(func() { d.Close() })

	eng, err := engine.NewSQLite("primary", domain.DatabaseConfig{
		Type: domain.EngineSQLite,
		Path: filepath.Join(t.TempDir(), "dispatch_test.db"),
		Pool: domain.DefaultPoolConfig(),
	})
	if err != nil {
		t.Fatalf("sqlite engine: %v", err)
	}
	if err := d.Register(eng); err != nil {
		t.Fatalf("register: %v", err)
	}
	return d
}

func svc() domain.Caller    { return domain.Caller{User: "svc"} }
func viewer() domain.Caller { return domain.Caller{User: "viewer"} }

func setupUsers(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx := context.Background()
	if _, err := d.ExecuteCommand(ctx, "", svc(), "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := d.ExecuteCommand(ctx, "", svc(), "INSERT INTO users (name) VALUES (?)", []domain.Value{domain.String("ada")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestRegisterAndResolve(t *testing.T) {
	d := newTestDispatcher(t)

	if d.ActiveEngine() != "primary" {
		t.Errorf("first engine must become active, got %q", d.ActiveEngine())
	}

	eng, err := engine.NewSQLite("primary", domain.DatabaseConfig{
		Type: domain.EngineSQLite,
		Path: filepath.Join(t.TempDir(), "dup.db"),
		Pool: domain.DefaultPoolConfig(),
	})
	if err != nil {
		t.Fatalf("sqlite engine: %v", err)
	}
	defer eng.Close()
	if err := d.Register(eng); domain.KindOf(err) != domain.ErrConfiguration {
		t.Errorf("duplicate id must be rejected, got %v", err)
	}

	if err := d.SwitchEngine("ghost"); !errors.Is(err, domain.ErrEngineUnknown) {
		t.Errorf("expected ErrEngineUnknown, got %v", err)
	}

	_, err = d.ExecuteQuery(context.Background(), "ghost", svc(), "SELECT 1", nil)
	if !errors.Is(err, domain.ErrEngineUnknown) {
		t.Errorf("expected ErrEngineUnknown, got %v", err)
	}
}

func TestExecuteQueryAndCommand(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)
	ctx := context.Background()

	res, err := d.ExecuteQuery(ctx, "", svc(), "SELECT name FROM users WHERE id = ?", []domain.Value{domain.Int64(1)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.RowCount != 1 || res.Rows[0][0].Display() != "ada" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSecurityDenyBeforeExecution(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	// The table does not exist; denial must come from policy, not from
	// the backend.
	_, err := d.ExecuteQuery(ctx, "", svc(), "SELECT * FROM secrets", nil)
	if domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Fatalf("expected security_violation, got %v", err)
	}

	_, err = d.ExecuteQuery(ctx, "", svc(), "SELECT * FROM users WHERE name = '' OR '1'='1'", nil)
	if domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("injection template must be rejected, got %v", err)
	}

	events := d.RecentAuditEvents(2)
	if len(events) != 2 {
		t.Fatalf("expected two audit events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Outcome != domain.OutcomeDenied {
			t.Errorf("expected denied outcome, got %+v", ev)
		}
	}
}

func TestViewerCannotWrite(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)

	_, err := d.ExecuteCommand(context.Background(), "", viewer(), "INSERT INTO users (name) VALUES (?)", []domain.Value{domain.String("eve")})
	if domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("reader role must not write, got %v", err)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)
	ctx := context.Background()

	handle, err := d.BeginTransaction(ctx, "", svc(), domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if handle.EngineID != "primary" {
		t.Errorf("handle bound to %q", handle.EngineID)
	}

	if _, err := d.TxExecute(ctx, handle.ID, "INSERT INTO users (name) VALUES (?)", []domain.Value{domain.String("grace")}); err != nil {
		t.Fatalf("tx insert: %v", err)
	}

	res, err := d.TxQuery(ctx, handle.ID, "SELECT COUNT(*) FROM users", nil)
	if err != nil {
		t.Fatalf("tx query: %v", err)
	}
	if n, _ := res.Rows[0][0].AsInt64(); n != 2 {
		t.Errorf("transaction must see its own write, got %d", n)
	}

	if err := d.TxCommit(ctx, handle.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The handle is dead after commit.
	if _, err := d.TxQuery(ctx, handle.ID, "SELECT 1", nil); !errors.Is(err, domain.ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}
	if err := d.TxRollback(ctx, handle.ID); !errors.Is(err, domain.ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}

	res, err = d.ExecuteQuery(ctx, "", svc(), "SELECT COUNT(*) FROM users", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n, _ := res.Rows[0][0].AsInt64(); n != 2 {
		t.Errorf("committed write must be visible, got %d", n)
	}
}

func TestTransactionSavepointFlow(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)
	ctx := context.Background()

	handle, err := d.BeginTransaction(ctx, "", svc(), domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer d.TxRollback(ctx, handle.ID)

	if err := d.TxSavepoint(ctx, handle.ID, "sp1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if _, err := d.TxExecute(ctx, handle.ID, "DELETE FROM users", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := d.TxRollbackToSavepoint(ctx, handle.ID, "sp1"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}

	res, err := d.TxQuery(ctx, handle.ID, "SELECT COUNT(*) FROM users", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n, _ := res.Rows[0][0].AsInt64(); n != 1 {
		t.Errorf("savepoint rollback must restore the row, got %d", n)
	}
}

func TestTransactionChecksPolicy(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	handle, err := d.BeginTransaction(ctx, "", svc(), domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer d.TxRollback(ctx, handle.ID)

	_, err = d.TxQuery(ctx, handle.ID, "SELECT * FROM secrets", nil)
	if domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("policy applies inside transactions, got %v", err)
	}
}

func TestRoleAdministration(t *testing.T) {
	d := newTestDispatcher(t)
	admin := svc()

	if err := d.AssignUserRole(admin, "carol", "reader"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	roles := d.GetUserRoles("carol")
	if len(roles) != 1 || roles[0] != "reader" {
		t.Errorf("expected [reader], got %v", roles)
	}

	if err := d.RevokeUserRole(admin, "carol", "reader"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if roles := d.GetUserRoles("carol"); len(roles) != 0 {
		t.Errorf("expected no roles, got %v", roles)
	}

	if err := d.AssignUserRole(admin, "carol", "ghost"); err == nil {
		t.Error("unknown role must be rejected")
	}
}

func TestRoleMutationRequiresAdmin(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)
	mallory := domain.Caller{User: "mallory"}

	// A caller with no roles cannot grant themselves one.
	if err := d.AssignUserRole(mallory, "mallory", "app"); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Fatalf("self-grant must be denied, got %v", err)
	}
	if roles := d.GetUserRoles("mallory"); len(roles) != 0 {
		t.Fatalf("denied grant must not stick, got %v", roles)
	}
	if _, err := d.ExecuteQuery(context.Background(), "", mallory, "SELECT name FROM users", nil); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("caller must stay locked out after the denied grant, got %v", err)
	}

	// A read-only role carries no admin grant either.
	if err := d.AssignUserRole(viewer(), "viewer", "app"); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("viewer grant must be denied, got %v", err)
	}
	if err := d.RevokeUserRole(viewer(), "svc", "app"); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("viewer revoke must be denied, got %v", err)
	}
	if err := d.UpdateRBACConfig(viewer(), testPolicy()); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Errorf("viewer policy replacement must be denied, got %v", err)
	}

	// The admin-holding caller still administers roles.
	if err := d.AssignUserRole(svc(), "carol", "reader"); err != nil {
		t.Errorf("admin assign: %v", err)
	}
}

func TestPolicyBootstrapAcceptsFirstDocument(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sec, err := security.NewLayer(domain.SecurityConfig{
		EnableRBAC:         true,
		EnableAuditLogging: true,
	}, domain.RBACConfig{}, audit.New(logger, 100), logger)
	if err != nil {
		t.Fatalf("security layer: %v", err)
	}
	d := New(sec, logger)
	t.Cleanup(func() { d.Close() })

	operator := domain.Caller{User: "operator"}

	// An empty policy denies everyone, so the first document installs
	// without a grant.
	if err := d.UpdateRBACConfig(operator, testPolicy()); err != nil {
		t.Fatalf("bootstrap load: %v", err)
	}

	// From then on the document is admin-gated.
	if err := d.UpdateRBACConfig(operator, domain.RBACConfig{}); domain.KindOf(err) != domain.ErrSecurityViolation {
		t.Fatalf("second load without a grant must be denied, got %v", err)
	}
	if err := d.UpdateRBACConfig(svc(), testPolicy()); err != nil {
		t.Errorf("admin reload: %v", err)
	}
}

func TestAbandonedTransactionAutoRollback(t *testing.T) {
	d := newTestDispatcher(t)
	setupUsers(t, d)
	ctx := context.Background()

	handle, err := d.BeginTransaction(ctx, "", svc(), domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := d.TxExecute(ctx, handle.ID, "INSERT INTO users (name) VALUES (?)", []domain.Value{domain.String("grace")}); err != nil {
		t.Fatalf("tx insert: %v", err)
	}

	d.txs.idleLimit = time.Nanosecond
	time.Sleep(2 * time.Millisecond)
	d.txs.sweep()

	// The handle is retired and the uncommitted write is gone.
	if _, err := d.TxQuery(ctx, handle.ID, "SELECT 1", nil); !errors.Is(err, domain.ErrTxDone) {
		t.Fatalf("abandoned handle must be dead, got %v", err)
	}
	res, err := d.ExecuteQuery(ctx, "", svc(), "SELECT COUNT(*) FROM users", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n, _ := res.Rows[0][0].AsInt64(); n != 1 {
		t.Errorf("abandoned work must roll back, got %d rows", n)
	}

	var warned bool
	for _, ev := range d.RecentAuditEvents(0) {
		if ev.Outcome == domain.OutcomeWarning && ev.Actor == "svc" {
			warned = true
			break
		}
	}
	if !warned {
		t.Error("auto-rollback must emit a warning audit event")
	}
}

func TestListEngines(t *testing.T) {
	d := newTestDispatcher(t)
	statuses := d.ListEngines(context.Background())
	if len(statuses) != 1 {
		t.Fatalf("expected one engine, got %d", len(statuses))
	}
	st := statuses[0]
	if st.ID != "primary" || !st.Active || !st.Healthy || st.Type != domain.EngineSQLite {
		t.Errorf("unexpected status %+v", st)
	}
}
