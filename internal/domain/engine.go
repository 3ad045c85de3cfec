package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// IsolationLevel is ordered from highest to lowest strictness.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	RepeatableRead
	ReadCommitted
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case Serializable:
		return "serializable"
	case RepeatableRead:
		return "repeatable_read"
	case ReadCommitted:
		return "read_committed"
	case ReadUncommitted:
		return "read_uncommitted"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the wire spelling rather than the ordinal.
func (l IsolationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *IsolationLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseIsolation(s)
	if !ok {
		return fmt.Errorf("unknown isolation level %q", s)
	}
	*l = parsed
	return nil
}

// ParseIsolation maps the wire spelling onto a level.
func ParseIsolation(s string) (IsolationLevel, bool) {
	switch s {
	case "serializable", "":
		return Serializable, true
	case "repeatable_read":
		return RepeatableRead, true
	case "read_committed":
		return ReadCommitted, true
	case "read_uncommitted":
		return ReadUncommitted, true
	default:
		return Serializable, false
	}
}

// Features reports what an engine can do. Callers branch on
// capability, never on engine identity.
type Features struct {
	Transactions       bool             `json:"transactions"`
	Savepoints         bool             `json:"savepoints"`
	PreparedStatements bool             `json:"preparedStatements"`
	JSONValues         bool             `json:"jsonValues"`
	SchemaIntrospect   bool             `json:"schemaIntrospect"`
	Isolation          []IsolationLevel `json:"isolation"` // supported levels, strictest first
}

// NearestIsolation returns the strictest supported level that is at
// least as strict as the requested one, and whether a downgrade of the
// request happened (downgraded == the granted level differs from the
// requested one). Engines never grant a weaker guarantee than asked.
func (f Features) NearestIsolation(want IsolationLevel) (IsolationLevel, bool) {
	granted := Serializable
	for _, l := range f.Isolation {
		// l is usable when it is at least as strict as the request.
		if l <= want && l > granted {
			granted = l
		}
	}
	return granted, granted != want
}

// QueryResult is the row-set shape returned by read operations.
type QueryResult struct {
	Columns  []string  `json:"columns"`
	Rows     [][]Value `json:"rows"`
	RowCount int       `json:"rowCount"`
	Elapsed  int64     `json:"elapsedMs"`
}

// ExecResult is the shape returned by mutating operations.
type ExecResult struct {
	RowsAffected int64  `json:"rowsAffected"`
	LastInsertID *int64 `json:"lastInsertId,omitempty"`
	Elapsed      int64  `json:"elapsedMs"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Table    string `json:"table"`
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Nullable bool   `json:"nullable"`
}

// IndexInfo describes one index.
type IndexInfo struct {
	Table  string `json:"table"`
	Name   string `json:"name"`
	Unique bool   `json:"unique"`
}

// SchemaInfo is the introspection result for get_schema.
type SchemaInfo struct {
	Tables  []string     `json:"tables"`
	Columns []ColumnInfo `json:"columns"`
	Indexes []IndexInfo  `json:"indexes"`
}

// PoolStats is a snapshot of one engine's connection pool.
type PoolStats struct {
	Live      int   `json:"live"`
	Idle      int   `json:"idle"`
	InUse     int   `json:"inUse"`
	Waiters   int   `json:"waiters"`
	Acquires  int64 `json:"acquires"`
	Timeouts  int64 `json:"timeouts"`
	Evictions int64 `json:"evictions"`
}

// Engine is one backend-specific implementation of the
// connect/validate/capability-report contract.
type Engine interface {
	// ID returns the registry id this engine was configured under.
	ID() string

	// Type returns the backend kind.
	Type() EngineType

	// Features reports capability flags.
	Features() Features

	// Connect draws a connection from the pool, creating one below
	// max_connections, or blocks up to the acquire timeout.
	Connect(ctx context.Context) (Connection, error)

	// HealthCheck reports pool-wide liveness without exclusively
	// borrowing a connection.
	HealthCheck(ctx context.Context) error

	// Stats snapshots the pool counters.
	Stats() PoolStats

	// Close tears the pool down.
	Close() error
}

// Connection owns one live backend session. Close returns it to the
// pool; the pool decides when it is actually torn down.
type Connection interface {
	// Prepare compiles a parameterized statement. The sole sanctioned
	// path for externally derived input.
	Prepare(ctx context.Context, query string) (PreparedStatement, error)

	// Query runs a read and materializes the row set.
	Query(ctx context.Context, query string, params []Value) (*QueryResult, error)

	// Execute runs a mutation.
	Execute(ctx context.Context, query string, params []Value) (*ExecResult, error)

	// Begin starts a transaction. Ownership of the underlying session
	// transfers to the returned Transaction until it finishes.
	Begin(ctx context.Context, level IsolationLevel) (Transaction, error)

	// Schema introspects tables, columns and indexes. An empty table
	// name means the whole schema.
	Schema(ctx context.Context, table string) (*SchemaInfo, error)

	// Ping is the lightweight liveness probe.
	Ping(ctx context.Context) error

	// Close returns the session to the pool.
	Close() error
}

// Transaction is a scoped unit of work holding one connection
// exclusively. Commit and Rollback are terminal; any later call fails
// with transaction_failed.
type Transaction interface {
	Query(ctx context.Context, query string, params []Value) (*QueryResult, error)
	Execute(ctx context.Context, query string, params []Value) (*ExecResult, error)

	// Savepoint pushes a named marker; the name must not already be on
	// the stack.
	Savepoint(ctx context.Context, name string) error

	// RollbackToSavepoint pops back to and including the marker,
	// preserving earlier work.
	RollbackToSavepoint(ctx context.Context, name string) error

	// ReleaseSavepoint discards the marker without rolling back.
	ReleaseSavepoint(ctx context.Context, name string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Isolation returns the granted level, after any downgrade to a
	// stricter supported level.
	Isolation() IsolationLevel

	// Downgraded reports whether the granted level differs from the
	// requested one.
	Downgraded() bool
}

// PreparedStatement owns a compiled plan handle. Reusable across many
// calls; closed explicitly or with its owning connection.
type PreparedStatement interface {
	Query(ctx context.Context, params []Value) (*QueryResult, error)
	Execute(ctx context.Context, params []Value) (*ExecResult, error)

	// ParamCount is the placeholder count recorded at prepare time.
	ParamCount() int

	Close() error
}

// Action classifies a statement for RBAC evaluation.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Caller identifies the principal behind a request, resolved by the
// outer protocol server and passed through unchanged.
type Caller struct {
	User       string            `json:"user"`
	IP         string            `json:"ip,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Now is a hook for tests that need deterministic clock reads in
// condition evaluation.
type Now func() time.Time
