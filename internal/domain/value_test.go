package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestFromNative(t *testing.T) {
	v, err := FromNative(int64(42))
	if err != nil {
		t.Fatalf("int64 conversion failed: %v", err)
	}
	if i, ok := v.AsInt64(); !ok || i != 42 {
		t.Errorf("expected int64 42, got %v", v)
	}

	v, err = FromNative(uint64(7))
	if err != nil {
		t.Fatalf("small uint64 conversion failed: %v", err)
	}
	if i, _ := v.AsInt64(); i != 7 {
		t.Errorf("expected 7, got %d", i)
	}

	if _, err := FromNative(uint64(math.MaxInt64) + 1); err == nil {
		t.Error("expected overflow error for uint64 above int64 range")
	}

	if _, err := FromNative(struct{}{}); err == nil {
		t.Error("expected error for unsupported native type")
	}
}

func TestDateTimeNormalizesToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	local := time.Date(2026, 3, 15, 9, 30, 0, 0, loc)
	v := DateTime(local)
	got, _ := v.AsDateTime()
	if got.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", got.Location())
	}
	if !got.Equal(local) {
		t.Errorf("instant changed during normalization: %v != %v", got, local)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Bool(true),
		Int64(-9),
		Float64(2.5),
		String("hello"),
		Binary([]byte{0x01, 0x02}),
		JSON(json.RawMessage(`{"a":1}`)),
		DateTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	}
	for _, original := range cases {
		t.Run(original.Kind().String(), func(t *testing.T) {
			data, err := json.Marshal(original)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded Value
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.Kind() != original.Kind() {
				t.Errorf("kind changed: %v -> %v", original.Kind(), decoded.Kind())
			}
			if decoded.Display() != original.Display() {
				t.Errorf("display changed: %q -> %q", original.Display(), decoded.Display())
			}
		})
	}
}

func TestValueUnmarshalBare(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`42`), &v); err != nil {
		t.Fatalf("unmarshal bare int: %v", err)
	}
	if v.Kind() != KindInt64 {
		t.Errorf("bare integer should decode as int64, got %v", v.Kind())
	}

	if err := json.Unmarshal([]byte(`4.5`), &v); err != nil {
		t.Fatalf("unmarshal bare float: %v", err)
	}
	if v.Kind() != KindFloat64 {
		t.Errorf("bare fraction should decode as float64, got %v", v.Kind())
	}

	if err := json.Unmarshal([]byte(`"text"`), &v); err != nil {
		t.Fatalf("unmarshal bare string: %v", err)
	}
	if v.Kind() != KindString {
		t.Errorf("bare string should decode as string, got %v", v.Kind())
	}

	if err := json.Unmarshal([]byte(`{"nested":true}`), &v); err != nil {
		t.Fatalf("unmarshal bare object: %v", err)
	}
	if v.Kind() != KindJSON {
		t.Errorf("bare object should decode as json, got %v", v.Kind())
	}
}

func TestNearestIsolation(t *testing.T) {
	sqliteLike := Features{Isolation: []IsolationLevel{Serializable}}
	granted, downgraded := sqliteLike.NearestIsolation(ReadCommitted)
	if granted != Serializable {
		t.Errorf("expected serializable, got %v", granted)
	}
	if !downgraded {
		t.Error("expected downgrade flag when granted level differs")
	}

	full := Features{Isolation: []IsolationLevel{
		Serializable, RepeatableRead, ReadCommitted, ReadUncommitted,
	}}
	granted, downgraded = full.NearestIsolation(ReadCommitted)
	if granted != ReadCommitted || downgraded {
		t.Errorf("expected exact grant, got %v downgraded=%v", granted, downgraded)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := E(ErrValidation, "bad input %d", 3)
	if KindOf(err) != ErrValidation {
		t.Errorf("expected validation kind, got %v", KindOf(err))
	}
	if Retryable(err) {
		t.Error("validation errors must not be retryable")
	}

	wrapped := Wrap(ErrConnectionFailed, err, "connect")
	if KindOf(wrapped) != ErrConnectionFailed {
		t.Errorf("expected connection_failed, got %v", KindOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Error("connection failures should be retryable")
	}

	if Wrap(ErrQueryFailed, nil, "noop") != nil {
		t.Error("wrapping nil must return nil")
	}
}
