package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/pool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoEngine implements domain.Engine over MongoDB. The query text is
// an extended-JSON command document ({"find": "users", "filter":
// {"age": "?"}}); string values equal to "?" bind parameters in
// left-to-right document order.
type MongoEngine struct {
	id     string
	client *mongo.Client
	dbName string
	pool   *pool.Pool
}

// mongoSession pins one server session so multi-document transactions
// keep causal ordering.
type mongoSession struct {
	client *mongo.Client
	sess   mongo.Session
}

func (s *mongoSession) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *mongoSession) Close() error {
	s.sess.EndSession(context.Background())
	return nil
}

// NewMongo opens a MongoDB engine.
func NewMongo(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	uri := cfg.URI
	if uri == "" {
		port := cfg.Port
		if port == 0 {
			port = 27017
		}
		if cfg.User != "" {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.User, cfg.Password, cfg.Host, port)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d", cfg.Host, port)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.AcquireTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(uint64(cfg.Pool.MaxConnections)).
		SetMaxConnIdleTime(cfg.Pool.IdleTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "ping mongodb")
	}

	p, err := pool.New(id, cfg.Pool, func(ctx context.Context) (pool.Resource, error) {
		sess, err := client.StartSession()
		if err != nil {
			return nil, err
		}
		return &mongoSession{client: client, sess: sess}, nil
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return &MongoEngine{id: id, client: client, dbName: cfg.Database, pool: p}, nil
}

func (e *MongoEngine) ID() string              { return e.id }
func (e *MongoEngine) Type() domain.EngineType { return domain.EngineMongo }

func (e *MongoEngine) Features() domain.Features {
	return domain.Features{
		Transactions:       true, // multi-document sessions
		Savepoints:         false,
		PreparedStatements: false,
		JSONValues:         true,
		SchemaIntrospect:   true,
		Isolation:          []domain.IsolationLevel{domain.Serializable},
	}
}

func (e *MongoEngine) Connect(ctx context.Context) (domain.Connection, error) {
	slot, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &mongoConn{eng: e, slot: slot, sess: slot.Resource().(*mongoSession)}, nil
}

func (e *MongoEngine) HealthCheck(ctx context.Context) error { return e.pool.HealthCheck(ctx) }
func (e *MongoEngine) Stats() domain.PoolStats               { return e.pool.Stats() }

func (e *MongoEngine) Close() error {
	err := e.pool.Close()
	if derr := e.client.Disconnect(context.Background()); err == nil && derr != nil {
		err = domain.Wrap(domain.ErrConnectionFailed, derr, "disconnect mongodb")
	}
	return err
}

type mongoConn struct {
	eng  *MongoEngine
	slot *pool.Slot
	sess *mongoSession

	mu     sync.Mutex
	closed bool
	inTx   bool
}

// parseCommand decodes the extended-JSON command and binds parameters
// into the "?" positions, walking the document in declaration order.
func parseCommand(query string, params []domain.Value) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &doc); err != nil {
		return nil, domain.Wrap(domain.ErrValidation, err, "parse command document")
	}
	if countTokens(doc) != len(params) {
		return nil, domain.E(domain.ErrValidation, "command expects %d parameters, got %d", countTokens(doc), len(params))
	}
	next := 0
	bound, err := bindTokens(doc, params, &next)
	if err != nil {
		return nil, err
	}
	return bound.(bson.D), nil
}

func countTokens(v any) int {
	switch x := v.(type) {
	case bson.D:
		n := 0
		for _, e := range x {
			n += countTokens(e.Value)
		}
		return n
	case bson.A:
		n := 0
		for _, e := range x {
			n += countTokens(e)
		}
		return n
	case string:
		if x == "?" {
			return 1
		}
	}
	return 0
}

func bindTokens(v any, params []domain.Value, next *int) (any, error) {
	switch x := v.(type) {
	case bson.D:
		out := make(bson.D, len(x))
		for i, e := range x {
			bound, err := bindTokens(e.Value, params, next)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: e.Key, Value: bound}
		}
		return out, nil
	case bson.A:
		out := make(bson.A, len(x))
		for i, e := range x {
			bound, err := bindTokens(e, params, next)
			if err != nil {
				return nil, err
			}
			out[i] = bound
		}
		return out, nil
	case string:
		if x != "?" {
			return x, nil
		}
		b, err := bsonArg(params[*next])
		if err != nil {
			return nil, err
		}
		*next++
		return b, nil
	default:
		return v, nil
	}
}

func bsonArg(v domain.Value) (any, error) {
	switch v.Kind() {
	case domain.KindNull:
		return primitive.Null{}, nil
	case domain.KindBinary:
		b, _ := v.AsBinary()
		return primitive.Binary{Data: b}, nil
	case domain.KindJSON:
		raw, _ := v.AsJSON()
		var decoded any
		if err := bson.UnmarshalExtJSON(raw, false, &decoded); err != nil {
			return nil, domain.Wrap(domain.ErrValidation, err, "decode json parameter")
		}
		return decoded, nil
	case domain.KindDateTime:
		t, _ := v.AsDateTime()
		return primitive.NewDateTimeFromTime(t), nil
	default:
		return v.Native(), nil
	}
}

func (c *mongoConn) usable() error {
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

func (c *mongoConn) runCommand(ctx context.Context, query string, params []domain.Value) (bson.Raw, error) {
	doc, err := parseCommand(query, params)
	if err != nil {
		return nil, err
	}
	var raw bson.Raw
	err = mongo.WithSession(ctx, c.sess.sess, func(sc mongo.SessionContext) error {
		res := c.eng.client.Database(c.eng.dbName).RunCommand(sc, doc)
		if res.Err() != nil {
			return res.Err()
		}
		var derr error
		raw, derr = res.DecodeBytes()
		return derr
	})
	if err != nil {
		return nil, classifyMongoErr(err)
	}
	return raw, nil
}

func classifyMongoErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == context.DeadlineExceeded || err == context.Canceled ||
		mongo.IsTimeout(err):
		return domain.Wrap(domain.ErrTimeout, err, "mongodb command")
	case mongo.IsNetworkError(err):
		return domain.Wrap(domain.ErrConnectionFailed, err, "mongodb command")
	default:
		return domain.Wrap(domain.ErrQueryFailed, err, "mongodb command")
	}
}

// rawToResult shapes a command reply as a row set. Cursor replies
// (find, aggregate) yield one row per batch document; anything else
// yields the whole reply as a single row. Every row is one JSON value
// in a "document" column.
func rawToResult(raw bson.Raw) (*domain.QueryResult, error) {
	res := &domain.QueryResult{Columns: []string{"document"}, Rows: [][]domain.Value{}}

	if cursor := raw.Lookup("cursor"); cursor.Type == bson.TypeEmbeddedDocument {
		batch := cursor.Document().Lookup("firstBatch")
		if batch.Type == 0 {
			batch = cursor.Document().Lookup("nextBatch")
		}
		if batch.Type == bson.TypeArray {
			elems, err := batch.Array().Elements()
			if err != nil {
				return nil, domain.Wrap(domain.ErrQueryFailed, err, "decode cursor batch")
			}
			for _, el := range elems {
				v, err := docValue(el.Value().Document())
				if err != nil {
					return nil, err
				}
				res.Rows = append(res.Rows, []domain.Value{v})
			}
			res.RowCount = len(res.Rows)
			return res, nil
		}
	}

	v, err := docValue(raw)
	if err != nil {
		return nil, err
	}
	res.Rows = append(res.Rows, []domain.Value{v})
	res.RowCount = 1
	return res, nil
}

func docValue(doc bson.Raw) (domain.Value, error) {
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return domain.Null(), domain.Wrap(domain.ErrQueryFailed, err, "encode reply document")
	}
	return domain.JSON(data), nil
}

func (c *mongoConn) Query(ctx context.Context, query string, params []domain.Value) (*domain.QueryResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := c.runCommand(ctx, query, params)
	if err != nil {
		return nil, err
	}
	res, err := rawToResult(raw)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start).Milliseconds()
	return res, nil
}

func (c *mongoConn) Execute(ctx context.Context, query string, params []domain.Value) (*domain.ExecResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := c.runCommand(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return mongoExecResult(raw, start), nil
}

// mongoExecResult reads the write counters a command reply carries:
// n for inserts and deletes, nModified for updates.
func mongoExecResult(raw bson.Raw, start time.Time) *domain.ExecResult {
	res := &domain.ExecResult{Elapsed: time.Since(start).Milliseconds()}
	if v := raw.Lookup("nModified"); v.Type == bson.TypeInt32 {
		res.RowsAffected = int64(v.Int32())
		return res
	}
	if v := raw.Lookup("n"); v.Type == bson.TypeInt32 {
		res.RowsAffected = int64(v.Int32())
	}
	return res
}

func (c *mongoConn) Prepare(ctx context.Context, query string) (domain.PreparedStatement, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &doc); err != nil {
		return nil, domain.Wrap(domain.ErrValidation, err, "parse command document")
	}
	return &mongoStmt{conn: c, query: query, count: countTokens(doc)}, nil
}

// mongoStmt is a client-side template; the server compiles nothing.
type mongoStmt struct {
	conn  *mongoConn
	query string
	count int
}

func (s *mongoStmt) ParamCount() int { return s.count }
func (s *mongoStmt) Close() error    { return nil }

func (s *mongoStmt) Query(ctx context.Context, params []domain.Value) (*domain.QueryResult, error) {
	return s.conn.Query(ctx, s.query, params)
}

func (s *mongoStmt) Execute(ctx context.Context, params []domain.Value) (*domain.ExecResult, error) {
	return s.conn.Execute(ctx, s.query, params)
}

// Begin starts a multi-document transaction with snapshot reads and
// majority writes.
func (c *mongoConn) Begin(ctx context.Context, level domain.IsolationLevel) (domain.Transaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	granted, downgraded := c.eng.Features().NearestIsolation(level)
	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := c.sess.sess.StartTransaction(opts); err != nil {
		return nil, domain.Wrap(domain.ErrTransactionFailed, err, "start transaction")
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return &mongoTx{conn: c, level: granted, downgraded: downgraded}, nil
}

func (c *mongoConn) Schema(ctx context.Context, pattern string) (*domain.SchemaInfo, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	db := c.eng.client.Database(c.eng.dbName)

	filter := bson.D{}
	if pattern != "" {
		filter = bson.D{{Key: "name", Value: primitive.Regex{Pattern: pattern}}}
	}
	names, err := db.ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, classifyMongoErr(err)
	}

	info := &domain.SchemaInfo{Tables: names}
	for _, name := range names {
		cur, err := db.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, classifyMongoErr(err)
		}
		var specs []bson.M
		if err := cur.All(ctx, &specs); err != nil {
			return nil, classifyMongoErr(err)
		}
		for _, spec := range specs {
			idx := domain.IndexInfo{Table: name}
			if n, ok := spec["name"].(string); ok {
				idx.Name = n
			}
			if u, ok := spec["unique"].(bool); ok {
				idx.Unique = u
			}
			info.Indexes = append(info.Indexes, idx)
		}
	}
	return info, nil
}

func (c *mongoConn) Ping(ctx context.Context) error {
	return classifyMongoErr(c.sess.client.Ping(ctx, nil))
}

func (c *mongoConn) Close() error {
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

func (c *mongoConn) finishTx(discard bool) {
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

// mongoTx routes commands through the session so they join the open
// multi-document transaction.
type mongoTx struct {
	conn       *mongoConn
	level      domain.IsolationLevel
	downgraded bool

	mu   sync.Mutex
	done bool
}

func (t *mongoTx) Isolation() domain.IsolationLevel { return t.level }
func (t *mongoTx) Downgraded() bool                 { return t.downgraded }

func (t *mongoTx) active() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction is not active")
	}
	return nil
}

func (t *mongoTx) Query(ctx context.Context, query string, params []domain.Value) (*domain.QueryResult, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := t.conn.runCommand(ctx, query, params)
	if err != nil {
		return nil, err
	}
	res, err := rawToResult(raw)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start).Milliseconds()
	return res, nil
}

func (t *mongoTx) Execute(ctx context.Context, query string, params []domain.Value) (*domain.ExecResult, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	start := time.Now()
	raw, err := t.conn.runCommand(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return mongoExecResult(raw, start), nil
}

func (t *mongoTx) Savepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "mongodb transactions do not support savepoints")
}

func (t *mongoTx) RollbackToSavepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "mongodb transactions do not support savepoints")
}

func (t *mongoTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return domain.E(domain.ErrUnsupported, "mongodb transactions do not support savepoints")
}

func (t *mongoTx) Commit(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.conn.sess.sess.CommitTransaction(ctx); err != nil {
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "commit")
	}
	t.conn.finishTx(false)
	return nil
}

func (t *mongoTx) Rollback(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.conn.sess.sess.AbortTransaction(ctx); err != nil {
		t.conn.finishTx(true)
		return domain.Wrap(domain.ErrTransactionFailed, err, "abort")
	}
	t.conn.finishTx(false)
	return nil
}

func (t *mongoTx) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return domain.Wrap(domain.ErrTransactionFailed, domain.ErrTxDone, "transaction already finished")
	}
	t.done = true
	return nil
}
