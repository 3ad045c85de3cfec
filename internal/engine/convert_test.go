package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

func TestDriverArgBoolStoredAsInteger(t *testing.T) {
	lite := sqliteDialect()
	got, err := driverArg(lite.typ, lite.features, domain.Bool(true))
	if err != nil {
		t.Fatalf("sqlite bool: %v", err)
	}
	if got != int64(1) {
		t.Errorf("sqlite stores booleans as integers, got %#v", got)
	}

	pg := postgresDialect()
	got, err = driverArg(pg.typ, pg.features, domain.Bool(true))
	if err != nil {
		t.Fatalf("postgres bool: %v", err)
	}
	if got != true {
		t.Errorf("postgres passes booleans through, got %#v", got)
	}
}

func TestDriverArgJSONRequiresSupport(t *testing.T) {
	noJSON := domain.Features{JSONValues: false}
	_, err := driverArg(domain.EngineRedis, noJSON, domain.JSON(json.RawMessage(`{}`)))
	if domain.KindOf(err) != domain.ErrUnsupported {
		t.Errorf("expected unsupported_operation, got %v", err)
	}

	pg := postgresDialect()
	got, err := driverArg(pg.typ, pg.features, domain.JSON(json.RawMessage(`{"a":1}`)))
	if err != nil {
		t.Fatalf("postgres json: %v", err)
	}
	if got != `{"a":1}` {
		t.Errorf("json binds as text, got %#v", got)
	}
}

func TestDriverArgDateTime(t *testing.T) {
	instant := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	lite := sqliteDialect()
	got, err := driverArg(lite.typ, lite.features, domain.DateTime(instant))
	if err != nil {
		t.Fatalf("sqlite datetime: %v", err)
	}
	if got != instant.Format(time.RFC3339Nano) {
		t.Errorf("sqlite binds datetimes as text, got %#v", got)
	}

	pg := postgresDialect()
	got, err = driverArg(pg.typ, pg.features, domain.DateTime(instant))
	if err != nil {
		t.Fatalf("postgres datetime: %v", err)
	}
	if ts, ok := got.(time.Time); !ok || !ts.Equal(instant) {
		t.Errorf("postgres binds datetimes natively, got %#v", got)
	}
}

func TestDriverArgsReportsParameterIndex(t *testing.T) {
	noJSON := domain.Features{JSONValues: false}
	_, err := driverArgs(domain.EngineRedis, noJSON, []domain.Value{
		domain.String("ok"),
		domain.JSON(json.RawMessage(`1`)),
	})
	if err == nil {
		t.Fatal("expected conversion failure")
	}
	if domain.KindOf(err) != domain.ErrUnsupported {
		t.Errorf("expected unsupported_operation, got %v", domain.KindOf(err))
	}
}

func TestNeutralValueSteering(t *testing.T) {
	v, err := neutralValue([]byte(`{"k":1}`), "JSONB")
	if err != nil {
		t.Fatalf("jsonb: %v", err)
	}
	if v.Kind() != domain.KindJSON {
		t.Errorf("jsonb column should surface as json, got %v", v.Kind())
	}

	v, err = neutralValue([]byte("hello"), "VARCHAR")
	if err != nil {
		t.Fatalf("varchar: %v", err)
	}
	if v.Kind() != domain.KindString {
		t.Errorf("varchar bytes should surface as string, got %v", v.Kind())
	}

	v, err = neutralValue([]byte{0x01}, "BLOB")
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if v.Kind() != domain.KindBinary {
		t.Errorf("blob bytes should stay binary, got %v", v.Kind())
	}
}
