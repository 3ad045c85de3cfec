package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-db/kestrel/internal/domain"
)

const (
	txIdleLimit     = 5 * time.Minute
	janitorInterval = 30 * time.Second
	rollbackTimeout = 10 * time.Second
)

// TxHandle identifies an open transaction to the operation surface.
type TxHandle struct {
	ID         string                `json:"id"`
	EngineID   string                `json:"engineId"`
	Isolation  domain.IsolationLevel `json:"isolation"`
	Downgraded bool                  `json:"downgraded"`
}

type txEntry struct {
	tx       domain.Transaction
	engineID string
	typ      domain.EngineType
	caller   domain.Caller
	lastUsed time.Time
}

// txRegistry tracks open transactions by handle. A janitor rolls back
// transactions abandoned without a commit/rollback decision so no
// checked-out connection leaks in an indeterminate state.
type txRegistry struct {
	d *Dispatcher

	idleLimit time.Duration
	interval  time.Duration

	mu      sync.Mutex
	entries map[string]*txEntry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newTxRegistry(d *Dispatcher) *txRegistry {
	r := &txRegistry{
		d:         d,
		idleLimit: txIdleLimit,
		interval:  janitorInterval,
		entries:   make(map[string]*txEntry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.janitor()
	return r
}

// BeginTransaction checks the caller may act on the engine, then
// withdraws a connection and opens a transaction on it. The returned
// handle scopes all further transaction operations.
func (d *Dispatcher) BeginTransaction(ctx context.Context, engineID string, caller domain.Caller, level domain.IsolationLevel) (*TxHandle, error) {
	eng, err := d.resolve(engineID)
	if err != nil {
		return nil, err
	}
	if !eng.Features().Transactions {
		return nil, domain.E(domain.ErrUnsupported, "engine %q does not support transactions", eng.ID())
	}

	conn, err := eng.Connect(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx, level)
	if err != nil {
		conn.Close()
		return nil, err
	}

	handle := &TxHandle{
		ID:         uuid.New().String(),
		EngineID:   eng.ID(),
		Isolation:  tx.Isolation(),
		Downgraded: tx.Downgraded(),
	}
	d.txs.put(handle.ID, &txEntry{
		tx:       tx,
		engineID: eng.ID(),
		typ:      eng.Type(),
		caller:   caller,
		lastUsed: time.Now(),
	})
	return handle, nil
}

// TxQuery runs a read inside the transaction, with the same security
// checks and masking as the non-transactional path. No retry: the
// transaction's fate is the caller's decision.
func (d *Dispatcher) TxQuery(ctx context.Context, handle string, query string, params []domain.Value) (*domain.QueryResult, error) {
	entry, err := d.txs.touch(handle)
	if err != nil {
		return nil, err
	}
	st, err := d.sec.Check(entry.engineID, entry.typ, entry.caller, query)
	if err != nil {
		return nil, err
	}
	res, err := entry.tx.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	d.sec.Mask(res, st, entry.caller)
	return res, nil
}

// TxExecute runs a mutation inside the transaction.
func (d *Dispatcher) TxExecute(ctx context.Context, handle string, query string, params []domain.Value) (*domain.ExecResult, error) {
	entry, err := d.txs.touch(handle)
	if err != nil {
		return nil, err
	}
	if _, err := d.sec.Check(entry.engineID, entry.typ, entry.caller, query); err != nil {
		return nil, err
	}
	return entry.tx.Execute(ctx, query, params)
}

// TxSavepoint pushes a named marker.
func (d *Dispatcher) TxSavepoint(ctx context.Context, handle, name string) error {
	entry, err := d.txs.touch(handle)
	if err != nil {
		return err
	}
	return entry.tx.Savepoint(ctx, name)
}

// TxRollbackToSavepoint undoes work back to and including the marker.
func (d *Dispatcher) TxRollbackToSavepoint(ctx context.Context, handle, name string) error {
	entry, err := d.txs.touch(handle)
	if err != nil {
		return err
	}
	return entry.tx.RollbackToSavepoint(ctx, name)
}

// TxReleaseSavepoint discards the marker without rolling back.
func (d *Dispatcher) TxReleaseSavepoint(ctx context.Context, handle, name string) error {
	entry, err := d.txs.touch(handle)
	if err != nil {
		return err
	}
	return entry.tx.ReleaseSavepoint(ctx, name)
}

// TxCommit commits and retires the handle.
func (d *Dispatcher) TxCommit(ctx context.Context, handle string) error {
	entry, err := d.txs.take(handle)
	if err != nil {
		return err
	}
	return entry.tx.Commit(ctx)
}

// TxRollback rolls back and retires the handle.
func (d *Dispatcher) TxRollback(ctx context.Context, handle string) error {
	entry, err := d.txs.take(handle)
	if err != nil {
		return err
	}
	return entry.tx.Rollback(ctx)
}

func (r *txRegistry) put(id string, entry *txEntry) {
	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()
}

// touch returns a live entry and refreshes its idle clock.
func (r *txRegistry) touch(id string) (*txEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction %s", id)
	}
	entry.lastUsed = time.Now()
	return entry, nil
}

// take removes the entry; commit and rollback are terminal.
func (r *txRegistry) take(id string) (*txEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction %s", id)
	}
	delete(r.entries, id)
	return entry, nil
}

// janitor rolls back transactions idle past the limit. Each
// auto-rollback emits a warning-level audit event: an abandoned
// transaction is a caller bug worth surfacing.
func (r *txRegistry) janitor() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *txRegistry) sweep() {
	cutoff := time.Now().Add(-r.idleLimit)

	r.mu.Lock()
	var expired []struct {
		id    string
		entry *txEntry
	}
	for id, entry := range r.entries {
		if entry.lastUsed.Before(cutoff) {
			expired = append(expired, struct {
				id    string
				entry *txEntry
			}{id, entry})
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, ex := range expired {
		r.abandon(ex.id, ex.entry, "transaction abandoned without commit or rollback")
	}
}

func (r *txRegistry) abandon(id string, entry *txEntry, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	err := entry.tx.Rollback(ctx)
	cancel()

	detail := reason
	outcome := domain.OutcomeWarning
	if err != nil {
		detail += "; rollback failed: " + err.Error()
		outcome = domain.OutcomeError
		r.d.logger.Error("abandoned transaction rollback failed",
			"tx", id, "engine", entry.engineID, "error", err)
	} else {
		r.d.logger.Warn("abandoned transaction rolled back",
			"tx", id, "engine", entry.engineID, "actor", entry.caller.User)
	}
	r.d.sec.Record(domain.AuditEvent{
		Actor:    entry.caller.User,
		Action:   domain.ActionAdmin,
		EngineID: entry.engineID,
		Outcome:  outcome,
		Detail:   detail,
	})
}

// close stops the janitor and rolls back everything still open.
func (r *txRegistry) close() {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})

	r.mu.Lock()
	remaining := r.entries
	r.entries = make(map[string]*txEntry)
	r.mu.Unlock()

	for id, entry := range remaining {
		r.abandon(id, entry, "transaction open at shutdown")
	}
}
