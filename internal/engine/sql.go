package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/pool"
)

// SQLEngine implements domain.Engine over database/sql. One instance
// serves PostgreSQL, MySQL or SQLite depending on its dialect.
type SQLEngine struct {
	id      string
	db      *sql.DB
	dialect dialect
	pool    *pool.Pool
}

// sqlSession is the pooled resource: one dedicated database/sql
// session, required for transactions, savepoints and statement
// pinning.
type sqlSession struct {
	conn *sql.Conn
}

func (s *sqlSession) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }
func (s *sqlSession) Close() error                   { return s.conn.Close() }

func newSQLEngine(id string, cfg domain.DatabaseConfig, d dialect, db *sql.DB) (*SQLEngine, error) {
	// Keep the driver-level pool aligned with ours so db.Conn never
	// blocks past our own accounting.
	db.SetMaxOpenConns(cfg.Pool.MaxConnections)
	db.SetConnMaxLifetime(cfg.Pool.MaxLifetime)

	p, err := pool.New(id, cfg.Pool, func(ctx context.Context) (pool.Resource, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &sqlSession{conn: c}, nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLEngine{id: id, db: db, dialect: d, pool: p}, nil
}

func (e *SQLEngine) ID() string                { return e.id }
func (e *SQLEngine) Type() domain.EngineType   { return e.dialect.typ }
func (e *SQLEngine) Features() domain.Features { return e.dialect.features }
func (e *SQLEngine) Stats() domain.PoolStats   { return e.pool.Stats() }

// Connect draws a session from the pool.
func (e *SQLEngine) Connect(ctx context.Context) (domain.Connection, error) {
	slot, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{eng: e, slot: slot, sess: slot.Resource().(*sqlSession)}, nil
}

// HealthCheck reports pool-wide liveness.
func (e *SQLEngine) HealthCheck(ctx context.Context) error {
	return e.pool.HealthCheck(ctx)
}

// Close tears down the pool and the underlying handle.
func (e *SQLEngine) Close() error {
	err := e.pool.Close()
	if derr := e.db.Close(); err == nil {
		err = derr
	}
	return err
}

// classifyErr converts driver failures into the structured taxonomy.
func classifyErr(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Wrap(domain.ErrTimeout, err, "%s timed out", op)
	case errors.Is(err, context.Canceled):
		return domain.Wrap(domain.ErrTimeout, err, "%s cancelled", op)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return domain.Wrap(domain.ErrConnectionFailed, err, "%s on dead session", op)
	default:
		return domain.Wrap(domain.ErrQueryFailed, err, "%s failed", op)
	}
}

// sqlConn owns one pooled session.
type sqlConn struct {
	eng  *SQLEngine
	slot *pool.Slot
	sess *sqlSession

	mu     sync.Mutex
	closed bool
	inTx   bool
}

// recoverPanic converts a backend driver panic into query_failed and
// discards the session, whose state is unknown.
func (c *sqlConn) recoverPanic(err *error) {
	if r := recover(); r != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.slot.Discard()
		*err = domain.E(domain.ErrQueryFailed, "backend panic: %v", r)
	}
}

func (c *sqlConn) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.E(domain.ErrConnectionFailed, "connection is closed")
	}
	if c.inTx {
		return domain.E(domain.ErrTransactionFailed, "connection is owned by an open transaction")
	}
	return nil
}

// Prepare compiles the statement and records its placeholder count.
func (c *sqlConn) Prepare(ctx context.Context, query string) (domain.PreparedStatement, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	count := c.eng.dialect.countParams(query)
	stmt, err := c.sess.conn.PrepareContext(ctx, c.eng.dialect.rebind(query))
	if err != nil {
		return nil, classifyErr(err, "prepare")
	}
	return &sqlStmt{conn: c, stmt: stmt, count: count}, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, params []domain.Value) (res *domain.QueryResult, err error) {
	defer c.recoverPanic(&err)
	if err := c.usable(); err != nil {
		return nil, err
	}
	args, err := c.checkedArgs(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := c.sess.conn.QueryContext(ctx, c.eng.dialect.rebind(query), args...)
	if err != nil {
		return nil, classifyErr(err, "query")
	}
	defer rows.Close()
	res, err = scanRows(rows)
	if err != nil {
		return nil, classifyErr(err, "scan")
	}
	res.Elapsed = time.Since(start).Milliseconds()
	return res, nil
}

func (c *sqlConn) Execute(ctx context.Context, query string, params []domain.Value) (res *domain.ExecResult, err error) {
	defer c.recoverPanic(&err)
	if err := c.usable(); err != nil {
		return nil, err
	}
	args, err := c.checkedArgs(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r, err := c.sess.conn.ExecContext(ctx, c.eng.dialect.rebind(query), args...)
	if err != nil {
		return nil, classifyErr(err, "execute")
	}
	return execResult(r, c.eng.dialect, start), nil
}

// checkedArgs validates the parameter count against the template and
// converts values, both before any network traffic.
func (c *sqlConn) checkedArgs(query string, params []domain.Value) ([]any, error) {
	want := c.eng.dialect.countParams(query)
	if len(params) != want {
		return nil, domain.E(domain.ErrValidation, "statement expects %d parameters, got %d", want, len(params))
	}
	return driverArgs(c.eng.dialect.typ, c.eng.dialect.features, params)
}

func execResult(r sql.Result, d dialect, start time.Time) *domain.ExecResult {
	res := &domain.ExecResult{Elapsed: time.Since(start).Milliseconds()}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	if d.lastInsertID {
		if id, err := r.LastInsertId(); err == nil && id != 0 {
			res.LastInsertID = &id
		}
	}
	return res
}

// Begin starts a transaction; ownership of the session transfers to
// the returned Transaction until commit or rollback.
func (c *sqlConn) Begin(ctx context.Context, level domain.IsolationLevel) (domain.Transaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	granted, downgraded := c.eng.dialect.features.NearestIsolation(level)
	tx, err := c.sess.conn.BeginTx(ctx, &sql.TxOptions{Isolation: c.eng.dialect.sqlIsolation(granted)})
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransactionFailed, err, "begin")
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return &sqlTx{conn: c, tx: tx, level: granted, downgraded: downgraded}, nil
}

// Schema introspects tables, columns and indexes.
func (c *sqlConn) Schema(ctx context.Context, table string) (*domain.SchemaInfo, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	d := c.eng.dialect

	rows, err := c.sess.conn.QueryContext(ctx, d.listTablesSQL)
	if err != nil {
		return nil, classifyErr(err, "list tables")
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, classifyErr(err, "scan tables")
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err, "list tables")
	}

	info := &domain.SchemaInfo{Tables: tables}
	targets := tables
	if table != "" {
		targets = []string{table}
		info.Tables = targets
	}

	for _, t := range targets {
		cols, err := c.tableColumns(ctx, t)
		if err != nil {
			return nil, err
		}
		info.Columns = append(info.Columns, cols...)

		idx, err := c.tableIndexes(ctx, t)
		if err != nil {
			return nil, err
		}
		info.Indexes = append(info.Indexes, idx...)
	}
	return info, nil
}

func (c *sqlConn) tableColumns(ctx context.Context, table string) ([]domain.ColumnInfo, error) {
	d := c.eng.dialect
	rows, err := c.sess.conn.QueryContext(ctx, d.rebind(d.columnsSQL), table)
	if err != nil {
		return nil, classifyErr(err, "columns")
	}
	defer rows.Close()
	var out []domain.ColumnInfo
	for rows.Next() {
		var ci domain.ColumnInfo
		if err := rows.Scan(&ci.Table, &ci.Name, &ci.DataType, &ci.Nullable); err != nil {
			return nil, classifyErr(err, "scan columns")
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func (c *sqlConn) tableIndexes(ctx context.Context, table string) ([]domain.IndexInfo, error) {
	d := c.eng.dialect
	rows, err := c.sess.conn.QueryContext(ctx, d.rebind(d.indexesSQL), table)
	if err != nil {
		return nil, classifyErr(err, "indexes")
	}
	defer rows.Close()
	var out []domain.IndexInfo
	for rows.Next() {
		var ii domain.IndexInfo
		if err := rows.Scan(&ii.Table, &ii.Name, &ii.Unique); err != nil {
			return nil, classifyErr(err, "scan indexes")
		}
		out = append(out, ii)
	}
	return out, rows.Err()
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return classifyErr(c.sess.conn.PingContext(ctx), "ping")
}

// Close returns the session to the pool. A connection owned by an
// open transaction is released by that transaction instead.
func (c *sqlConn) Close() error {
	c.mu.Lock()
	if c.closed || c.inTx {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.slot.Release()
	return nil
}

// finishTx hands the session back once a transaction reaches a
// terminal state. Sessions in an unknown state are discarded.
func (c *sqlConn) finishTx(discard bool) {
	c.mu.Lock()
	c.inTx = false
	c.closed = true
	c.mu.Unlock()
	if discard {
		c.slot.Discard()
	} else {
		c.slot.Release()
	}
}

// sqlStmt is a prepared statement pinned to its session.
type sqlStmt struct {
	conn   *sqlConn
	stmt   *sql.Stmt
	count  int
	mu     sync.Mutex
	closed bool
}

func (s *sqlStmt) ParamCount() int { return s.count }

func (s *sqlStmt) check(params []domain.Value) ([]any, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, domain.E(domain.ErrValidation, "statement is closed")
	}
	if len(params) != s.count {
		return nil, domain.E(domain.ErrValidation, "statement expects %d parameters, got %d", s.count, len(params))
	}
	return driverArgs(s.conn.eng.dialect.typ, s.conn.eng.dialect.features, params)
}

func (s *sqlStmt) Query(ctx context.Context, params []domain.Value) (res *domain.QueryResult, err error) {
	defer s.conn.recoverPanic(&err)
	args, err := s.check(params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, classifyErr(err, "query")
	}
	defer rows.Close()
	res, err = scanRows(rows)
	if err != nil {
		return nil, classifyErr(err, "scan")
	}
	res.Elapsed = time.Since(start).Milliseconds()
	return res, nil
}

func (s *sqlStmt) Execute(ctx context.Context, params []domain.Value) (res *domain.ExecResult, err error) {
	defer s.conn.recoverPanic(&err)
	args, err := s.check(params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, classifyErr(err, "execute")
	}
	return execResult(r, s.conn.eng.dialect, start), nil
}

func (s *sqlStmt) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.stmt.Close()
}
