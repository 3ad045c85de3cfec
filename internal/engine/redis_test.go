package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-db/kestrel/internal/domain"
)

func newTestRedis(t *testing.T) (domain.Engine, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := domain.DatabaseConfig{
		Type: domain.EngineRedis,
		URI:  "redis://" + srv.Addr(),
		Pool: domain.DefaultPoolConfig(),
	}
	eng, err := NewRedis("redis-test", cfg)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, srv
}

func TestRedisSetAndGetWithBinding(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	defer conn.Close()
	ctx := context.Background()

	res, err := conn.Execute(ctx, "SET greeting ?", []domain.Value{domain.String("hello")})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("OK reply should count as one affected row, got %d", res.RowsAffected)
	}

	qr, err := conn.Query(ctx, "GET greeting", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if qr.RowCount != 1 {
		t.Fatalf("expected one row, got %d", qr.RowCount)
	}
	if got := qr.Rows[0][0].Display(); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestRedisMissingKeyIsEmptyResult(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	defer conn.Close()

	qr, err := conn.Query(context.Background(), "GET absent", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if qr.RowCount != 0 {
		t.Errorf("missing key should yield no rows, got %d", qr.RowCount)
	}
}

func TestRedisParamBindingValidation(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	defer conn.Close()
	ctx := context.Background()

	_, err := conn.Execute(ctx, "SET k ?", nil)
	if domain.KindOf(err) != domain.ErrValidation {
		t.Errorf("expected validation_error for missing parameter, got %v", err)
	}

	_, err = conn.Execute(ctx, "SET k ?", []domain.Value{domain.JSON(json.RawMessage(`{}`))})
	if domain.KindOf(err) != domain.ErrUnsupported {
		t.Errorf("expected unsupported_operation for json parameter, got %v", err)
	}

	_, err = conn.Execute(ctx, "SET k ?", []domain.Value{domain.Null()})
	if domain.KindOf(err) != domain.ErrUnsupported {
		t.Errorf("expected unsupported_operation for null parameter, got %v", err)
	}
}

func TestRedisListReply(t *testing.T) {
	eng, srv := newTestRedis(t)
	srv.Lpush("queue", "c")
	srv.Lpush("queue", "b")
	srv.Lpush("queue", "a")

	conn := mustConnect(t, eng)
	defer conn.Close()

	qr, err := conn.Query(context.Background(), "LRANGE queue 0 -1", nil)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if qr.RowCount != 3 {
		t.Fatalf("expected three rows, got %d", qr.RowCount)
	}
	if got := qr.Rows[0][0].Display(); got != "a" {
		t.Errorf("expected first element a, got %q", got)
	}
}

func TestRedisTransactionCommit(t *testing.T) {
	eng, srv := newTestRedis(t)
	conn := mustConnect(t, eng)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	qr, err := tx.Query(ctx, "SET staged ?", []domain.Value{domain.String("v1")})
	if err != nil {
		t.Fatalf("queue set: %v", err)
	}
	// Inside MULTI the server only acknowledges queuing.
	if qr.RowCount != 1 || qr.Rows[0][0].Display() != "QUEUED" {
		t.Errorf("expected QUEUED acknowledgement, got %+v", qr)
	}
	if srv.Exists("staged") {
		t.Error("queued write must not be visible before EXEC")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, _ := srv.Get("staged"); got != "v1" {
		t.Errorf("expected committed value v1, got %q", got)
	}
}

func TestRedisTransactionDiscard(t *testing.T) {
	eng, srv := newTestRedis(t)
	conn := mustConnect(t, eng)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Execute(ctx, "SET doomed ?", []domain.Value{domain.String("x")}); err != nil {
		t.Fatalf("queue set: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if srv.Exists("doomed") {
		t.Error("discarded write must not be applied")
	}

	if _, err := tx.Query(ctx, "GET doomed", nil); domain.KindOf(err) != domain.ErrTransactionFailed {
		t.Errorf("expected transaction_failed after discard, got %v", err)
	}
}

func TestRedisSavepointsUnsupported(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, domain.Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.Savepoint(ctx, "sp1"); domain.KindOf(err) != domain.ErrUnsupported {
		t.Errorf("expected unsupported_operation, got %v", err)
	}
	if eng.Features().Savepoints {
		t.Error("feature matrix must not advertise savepoints")
	}
}

func TestRedisIsolationDowngrade(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, domain.ReadCommitted)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if tx.Isolation() != domain.Serializable || !tx.Downgraded() {
		t.Errorf("expected serializable downgrade, got %v downgraded=%v", tx.Isolation(), tx.Downgraded())
	}
}

func TestRedisSchemaListsKeys(t *testing.T) {
	eng, srv := newTestRedis(t)
	srv.Set("user:1", "a")
	srv.Set("user:2", "b")
	srv.Set("other", "c")

	conn := mustConnect(t, eng)
	defer conn.Close()

	info, err := conn.Schema(context.Background(), "user:*")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(info.Tables) != 2 {
		t.Errorf("expected two matching keys, got %v", info.Tables)
	}
}

func TestRedisPreparedTemplate(t *testing.T) {
	eng, _ := newTestRedis(t)
	conn := mustConnect(t, eng)
	defer conn.Close()
	ctx := context.Background()

	stmt, err := conn.Prepare(ctx, "SET counter ?")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Close()
	if stmt.ParamCount() != 1 {
		t.Errorf("expected one parameter, got %d", stmt.ParamCount())
	}
	if _, err := stmt.Execute(ctx, []domain.Value{domain.Int64(5)}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	qr, err := conn.Query(ctx, "GET counter", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if qr.Rows[0][0].Display() != "5" {
		t.Errorf("expected 5, got %q", qr.Rows[0][0].Display())
	}
}

func TestRedisDateTimeBindsAsText(t *testing.T) {
	eng, srv := newTestRedis(t)
	conn := mustConnect(t, eng)
	defer conn.Close()

	instant := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if _, err := conn.Execute(context.Background(), "SET ts ?", []domain.Value{domain.DateTime(instant)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("ts"); got != instant.Format(time.RFC3339Nano) {
		t.Errorf("expected RFC3339 text, got %q", got)
	}
}
