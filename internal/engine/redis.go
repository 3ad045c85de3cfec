package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/pool"
	"github.com/redis/go-redis/v9"
)

// RedisEngine implements domain.Engine over a Redis server. The query
// text is a command line ("HGET user:1 name"); ? placeholders bind
// parameters as discrete command arguments, never by interpolation.
type RedisEngine struct {
	id     string
	client *redis.Client
	pool   *pool.Pool
}

// redisSession pins one dedicated server connection so MULTI/EXEC
// state stays on a single socket.
type redisSession struct {
	conn *redis.Conn
}

func (s *redisSession) Ping(ctx context.Context) error { return s.conn.Ping(ctx).Err() }
func (s *redisSession) Close() error                   { return s.conn.Close() }

// NewRedis opens a Redis engine.
func NewRedis(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts *redis.Options
	if cfg.URI != "" {
		parsed, err := redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, domain.Wrap(domain.ErrConfiguration, err, "parse redis uri")
		}
		opts = parsed
	} else {
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, port),
			Password: cfg.Password,
		}
	}
	opts.PoolSize = cfg.Pool.MaxConnections

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.AcquireTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "connect to redis")
	}

	p, err := pool.New(id, cfg.Pool, func(ctx context.Context) (pool.Resource, error) {
		conn := client.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			conn.Close()
			return nil, err
		}
		return &redisSession{conn: conn}, nil
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	return &RedisEngine{id: id, client: client, pool: p}, nil
}

func (e *RedisEngine) ID() string              { return e.id }
func (e *RedisEngine) Type() domain.EngineType { return domain.EngineRedis }

func (e *RedisEngine) Features() domain.Features {
	return domain.Features{
		Transactions:       true, // MULTI/EXEC
		Savepoints:         false,
		PreparedStatements: false, // templates are bound client-side
		JSONValues:         false,
		SchemaIntrospect:   true,
		Isolation:          []domain.IsolationLevel{domain.Serializable},
	}
}

func (e *RedisEngine) Connect(ctx context.Context) (domain.Connection, error) {
	slot, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &redisConn{eng: e, slot: slot, sess: slot.Resource().(*redisSession)}, nil
}

func (e *RedisEngine) HealthCheck(ctx context.Context) error { return e.pool.HealthCheck(ctx) }
func (e *RedisEngine) Stats() domain.PoolStats               { return e.pool.Stats() }

func (e *RedisEngine) Close() error {
	err := e.pool.Close()
	if cerr := e.client.Close(); err == nil {
		err = cerr
	}
	return err
}

type redisConn struct {
	eng  *RedisEngine
	slot *pool.Slot
	sess *redisSession

	mu     sync.Mutex
	closed bool
	inTx   bool
}

// buildCommand tokenizes the template and binds parameters into the
// ? positions as discrete arguments.
func buildCommand(query string, params []domain.Value) ([]any, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, domain.E(domain.ErrValidation, "empty command")
	}
	want := 0
	for _, f := range fields {
		if f == "?" {
			want++
		}
	}
	if len(params) != want {
		return nil, domain.E(domain.ErrValidation, "command expects %d parameters, got %d", want, len(params))
	}

	args := make([]any, 0, len(fields))
	next := 0
	for _, f := range fields {
		if f != "?" {
			args = append(args, f)
			continue
		}
		a, err := redisArg(params[next])
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		next++
	}
	return args, nil
}

func redisArg(v domain.Value) (any, error) {
	switch v.Kind() {
	case domain.KindNull:
		return nil, domain.E(domain.ErrUnsupported, "redis does not support null parameters")
	case domain.KindJSON:
		return nil, domain.E(domain.ErrUnsupported, "engine redis does not support json values")
	case domain.KindDateTime:
		t, _ := v.AsDateTime()
		return t.Format(time.RFC3339Nano), nil
	default:
		return v.Native(), nil
	}
}

func (c *redisConn) usable() error {
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

func (c *redisConn) Query(ctx context.Context, query string, params []domain.Value) (*domain.QueryResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	args, err := buildCommand(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	reply, err := c.sess.conn.Do(ctx, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, classifyRedisErr(err)
	}
	res := replyToResult(reply)
	res.Elapsed = time.Since(start).Milliseconds()
	return res, nil
}

func (c *redisConn) Execute(ctx context.Context, query string, params []domain.Value) (*domain.ExecResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	args, err := buildCommand(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	reply, err := c.sess.conn.Do(ctx, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, classifyRedisErr(err)
	}
	res := &domain.ExecResult{Elapsed: time.Since(start).Milliseconds()}
	switch x := reply.(type) {
	case int64:
		res.RowsAffected = x
	case string:
		if x == "OK" {
			res.RowsAffected = 1
		}
	}
	return res, nil
}

func classifyRedisErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == context.DeadlineExceeded || err == context.Canceled:
		return domain.Wrap(domain.ErrTimeout, err, "redis command")
	default:
		return domain.Wrap(domain.ErrQueryFailed, err, "redis command")
	}
}

// replyToResult maps a Redis reply onto the row-set shape. Scalars
// become one row; arrays one row per element; maps a field/value pair
// per row.
func replyToResult(reply any) *domain.QueryResult {
	res := &domain.QueryResult{Columns: []string{"value"}, Rows: [][]domain.Value{}}
	switch x := reply.(type) {
	case nil:
	case []any:
		for _, item := range x {
			res.Rows = append(res.Rows, []domain.Value{anyToValue(item)})
		}
	case map[any]any:
		res.Columns = []string{"field", "value"}
		keys := make([]string, 0, len(x))
		byKey := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			keys = append(keys, ks)
			byKey[ks] = v
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Rows = append(res.Rows, []domain.Value{domain.String(k), anyToValue(byKey[k])})
		}
	default:
		res.Rows = append(res.Rows, []domain.Value{anyToValue(x)})
	}
	res.RowCount = len(res.Rows)
	return res
}

func anyToValue(v any) domain.Value {
	nv, err := domain.FromNative(v)
	if err != nil {
		return domain.String(fmt.Sprint(v))
	}
	if b, ok := nv.AsBinary(); ok {
		return domain.String(string(b))
	}
	return nv
}

func (c *redisConn) Prepare(ctx context.Context, query string) (domain.PreparedStatement, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	count := 0
	for _, f := range strings.Fields(query) {
		if f == "?" {
			count++
		}
	}
	return &redisStmt{conn: c, query: query, count: count}, nil
}

// redisStmt is a client-side template; Redis has no server-side
// prepared statements.
type redisStmt struct {
	conn  *redisConn
	query string
	count int
}

func (s *redisStmt) ParamCount() int { return s.count }
func (s *redisStmt) Close() error    { return nil }

func (s *redisStmt) Query(ctx context.Context, params []domain.Value) (*domain.QueryResult, error) {
	return s.conn.Query(ctx, s.query, params)
}

func (s *redisStmt) Execute(ctx context.Context, params []domain.Value) (*domain.ExecResult, error) {
	return s.conn.Execute(ctx, s.query, params)
}

// Begin starts a MULTI block on the pinned connection. Commands
// queue until Commit issues EXEC; Rollback issues DISCARD.
func (c *redisConn) Begin(ctx context.Context, level domain.IsolationLevel) (domain.Transaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	granted, downgraded := c.eng.Features().NearestIsolation(level)
	if err := c.sess.conn.Do(ctx, "MULTI").Err(); err != nil {
		return nil, domain.Wrap(domain.ErrTransactionFailed, err, "multi")
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return &redisTx{conn: c, level: granted, downgraded: downgraded}, nil
}

func (c *redisConn) Schema(ctx context.Context, pattern string) (*domain.SchemaInfo, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	keys, _, err := c.sess.conn.Scan(ctx, 0, pattern, 1000).Result()
	if err != nil {
		return nil, classifyRedisErr(err)
	}
	sort.Strings(keys)
	return &domain.SchemaInfo{Tables: keys}, nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	return classifyRedisErr(c.sess.conn.Ping(ctx).Err())
}

func (c *redisConn) Close() error {
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

func (c *redisConn) finishTx(discard bool) {
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

// redisTx queues commands inside a MULTI block.
type redisTx struct {
	conn       *redisConn
	level      domain.IsolationLevel
	downgraded bool

	mu   sync.Mutex
	done bool
}

func (t *redisTx) Isolation() domain.IsolationLevel { return t.level }
func (t *redisTx) Downgraded() bool                 { return t.downgraded }

func (t *redisTx) active() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction is not active")
	}
	return nil
}

// Query queues the command; results materialize only at EXEC, so the
// returned row set reports the queue acknowledgement.
func (t *redisTx) Query(ctx context.Context, query string, params []domain.Value) (*domain.QueryResult, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	args, err := buildCommand(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := t.conn.sess.conn.Do(ctx, args...).Err(); err != nil && err != redis.Nil {
		return nil, classifyRedisErr(err)
	}
	return &domain.QueryResult{
		Columns:  []string{"status"},
		Rows:     [][]domain.Value{{domain.String("QUEUED")}},
		RowCount: 1,
		Elapsed:  time.Since(start).Milliseconds(),
	}, nil
}

func (t *redisTx) Execute(ctx context.Context, query string, params []domain.Value) (*domain.ExecResult, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	args, err := buildCommand(query, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := t.conn.sess.conn.Do(ctx, args...).Err(); err != nil && err != redis.Nil {
		return nil, classifyRedisErr(err)
	}
	return &domain.ExecResult{Elapsed: time.Since(start).Milliseconds()}, nil
}

func (t *redisTx) Savepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "redis transactions do not support savepoints")
}

func (t *redisTx) RollbackToSavepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "redis transactions do not support savepoints")
}

func (t *redisTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "redis transactions do not support savepoints")
}

func (t *redisTx) Commit(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.conn.sess.conn.Do(ctx, "EXEC").Err(); err != nil && err != redis.Nil {
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "exec")
	}
	t.conn.finishTx(false)
	return nil
}

func (t *redisTx) Rollback(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.conn.sess.conn.Do(ctx, "DISCARD").Err(); err != nil {
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "discard")
	}
	t.conn.finishTx(false)
	return nil
}

func (t *redisTx) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction already finished")
	}
	t.done = true
	return nil
}
