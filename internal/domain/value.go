// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBinary
	KindJSON
	KindDateTime
)

// String returns the kind name used in logs and error messages.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindJSON:
		return "json"
	case KindDateTime:
		return "datetime"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the backend-neutral representation of a scalar.
// Every engine's native type maps onto exactly one variant in each
// direction; lossy conversions fail instead of truncating.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	bin  []byte
	t    time.Time
}

// Null returns the null Value.
func Null() Value {
	return Value{kind: KindNull}
}

// Bool wraps a boolean.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// Int64 wraps a signed integer.
func Int64(v int64) Value {
	return Value{kind: KindInt64, i: v}
}

// Float64 wraps a floating point number.
func Float64(v float64) Value {
	return Value{kind: KindFloat64, f: v}
}

// String wraps a string.
func String(v string) Value {
	return Value{kind: KindString, s: v}
}

// Binary wraps a byte slice.
func Binary(v []byte) Value {
	return Value{kind: KindBinary, bin: v}
}

// JSON wraps a raw JSON document.
func JSON(v json.RawMessage) Value {
	return Value{kind: KindJSON, bin: []byte(v)}
}

// DateTime wraps a timestamp. The value is normalized to UTC.
func DateTime(v time.Time) Value {
	return Value{kind: KindDateTime, t: v.UTC()}
}

// Kind returns the variant held by the value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt64 returns the integer payload.
func (v Value) AsInt64() (int64, bool) { return v.i, v.kind == KindInt64 }

// AsFloat64 returns the float payload.
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBinary returns the binary payload.
func (v Value) AsBinary() ([]byte, bool) { return v.bin, v.kind == KindBinary }

// AsJSON returns the raw JSON payload.
func (v Value) AsJSON() (json.RawMessage, bool) {
	return json.RawMessage(v.bin), v.kind == KindJSON
}

// AsDateTime returns the timestamp payload (UTC).
func (v Value) AsDateTime() (time.Time, bool) { return v.t, v.kind == KindDateTime }

// Native returns the payload as a plain Go value, suitable for JSON
// responses and masking comparisons.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt64:
		return v.i
	case KindFloat64:
		return v.f
	case KindString:
		return v.s
	case KindBinary:
		return v.bin
	case KindJSON:
		return json.RawMessage(v.bin)
	case KindDateTime:
		return v.t
	default:
		return nil
	}
}

// Display renders the value for masking and audit purposes.
func (v Value) Display() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindBinary:
		return fmt.Sprintf("%x", v.bin)
	case KindJSON:
		return string(v.bin)
	case KindDateTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// FromNative converts a Go value produced by a database driver into a
// Value. Unsigned 64-bit values above the int64 range fail rather than
// wrap, and unrecognized driver types are rejected.
func FromNative(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int64(int64(x)), nil
	case int32:
		return Int64(int64(x)), nil
	case int64:
		return Int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("uint64 value %d overflows int64", x)
		}
		return Int64(int64(x)), nil
	case float32:
		return Float64(float64(x)), nil
	case float64:
		return Float64(x), nil
	case string:
		return String(x), nil
	case []byte:
		cp := make([]byte, len(x))
		copy(cp, x)
		return Binary(cp), nil
	case json.RawMessage:
		return JSON(x), nil
	case time.Time:
		return DateTime(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported native type %T", v)
	}
}

// MarshalJSON renders the value as a tagged object so callers can
// round-trip variants that JSON alone cannot distinguish.
func (v Value) MarshalJSON() ([]byte, error) {
	type tagged struct {
		Kind  string `json:"kind"`
		Value any    `json:"value"`
	}
	out := tagged{Kind: v.kind.String()}
	switch v.kind {
	case KindNull:
		out.Value = nil
	case KindDateTime:
		out.Value = v.t.Format(time.RFC3339Nano)
	case KindBinary:
		out.Value = v.bin // encoding/json base64-encodes []byte
	default:
		out.Value = v.Native()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the tagged form produced by MarshalJSON, or a
// bare JSON scalar for convenience. Bare numbers with no fractional
// part decode as int64.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Kind  string          `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Kind != "" {
		return v.unmarshalTagged(tagged.Kind, tagged.Value)
	}
	return v.unmarshalBare(data)
}

func (v *Value) unmarshalTagged(kind string, raw json.RawMessage) error {
	switch kind {
	case "null":
		*v = Null()
		return nil
	case "bool":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case "int64":
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return err
		}
		*v = Int64(i)
		return nil
	case "float64":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		*v = Float64(f)
		return nil
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case "binary":
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		*v = Binary(b)
		return nil
	case "json":
		*v = JSON(append(json.RawMessage(nil), raw...))
		return nil
	case "datetime":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = DateTime(t)
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", kind)
	}
}

func (v *Value) unmarshalBare(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Bool(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			*v = Int64(i)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return err
		}
		*v = Float64(f)
	case string:
		*v = String(x)
	default:
		// Arrays and objects round-trip as json values.
		*v = JSON(append(json.RawMessage(nil), data...))
	}
	return nil
}
