package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

// sqlTx is the transaction state machine over one exclusively owned
// session: Active until Commit or Rollback, then terminal.
type sqlTx struct {
	conn       *sqlConn
	tx         *sql.Tx
	level      domain.IsolationLevel
	downgraded bool

	mu         sync.Mutex
	done       bool
	savepoints []string
}

func (t *sqlTx) Isolation() domain.IsolationLevel { return t.level }
func (t *sqlTx) Downgraded() bool                 { return t.downgraded }

func (t *sqlTx) active() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction is not active")
	}
	return nil
}

func (t *sqlTx) Query(ctx context.Context, query string, params []domain.Value) (res *domain.QueryResult, err error) {
	defer t.conn.recoverPanic(&err)
	if err := t.active(); err != nil {
		return nil, err
	}
	args, err := t.conn.checkedArgs(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, t.conn.eng.dialect.rebind(query), args...)
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

func (t *sqlTx) Execute(ctx context.Context, query string, params []domain.Value) (res *domain.ExecResult, err error) {
	defer t.conn.recoverPanic(&err)
	if err := t.active(); err != nil {
		return nil, err
	}
	args, err := t.conn.checkedArgs(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r, err := t.tx.ExecContext(ctx, t.conn.eng.dialect.rebind(query), args...)
	if err != nil {
		return nil, classifyErr(err, "execute")
	}
	return execResult(r, t.conn.eng.dialect, start), nil
}

// Savepoint pushes a named marker onto the stack.
func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	ident, err := savepointName(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction is not active")
	}
	for _, sp := range t.savepoints {
		if sp == ident {
			t.mu.Unlock()
			return domain.E(domain.ErrValidation, "savepoint %q already exists", name)
		}
	}
	t.mu.Unlock()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+ident); err != nil {
		return domain.Wrap(domain.ErrTransactionFailed, err, "savepoint %s", name)
	}
	t.mu.Lock()
	t.savepoints = append(t.savepoints, ident)
	t.mu.Unlock()
	return nil
}

// RollbackToSavepoint undoes work back to and including the marker;
// work before the marker is preserved.
func (t *sqlTx) RollbackToSavepoint(ctx context.Context, name string) error {
	ident, err := t.popTo(name)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+ident); err != nil {
		return domain.Wrap(domain.ErrTransactionFailed, err, "rollback to savepoint %s", name)
	}
	// The marker itself is consumed.
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return domain.Wrap(domain.ErrTransactionFailed, err, "release savepoint %s", name)
	}
	return nil
}

// ReleaseSavepoint discards the marker without rolling back.
func (t *sqlTx) ReleaseSavepoint(ctx context.Context, name string) error {
	ident, err := t.popTo(name)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return domain.Wrap(domain.ErrTransactionFailed, err, "release savepoint %s", name)
	}
	return nil
}

// popTo removes the named marker and everything stacked above it.
func (t *sqlTx) popTo(name string) (string, error) {
	ident, err := savepointName(name)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return "", domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction is not active")
	}
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == ident {
			t.savepoints = t.savepoints[:i]
			return ident, nil
		}
	}
	return "", domain.E(domain.ErrValidation, "savepoint %q does not exist", name)
}

// Commit is terminal; the session returns to the pool.
func (t *sqlTx) Commit(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "commit")
	}
	t.conn.finishTx(false)
	return nil
}

// Rollback is terminal; the session returns to the pool.
func (t *sqlTx) Rollback(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.tx.Rollback(); err != nil {
		// The session's transactional state is unknown; never reuse it.
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "rollback")
	}
	t.conn.finishTx(false)
	return nil
}

func (t *sqlTx) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction already finished")
	}
	t.done = true
	t.savepoints = nil
	return nil
}
