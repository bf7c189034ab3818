package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind is the scalar type carried by a Value.
type ValueKind uint8

const (
	ValueAbsent ValueKind = iota
	ValueString
	ValueInt
	ValueFloat
	ValueBool
	ValueTime
	ValueBytes
)

var valueKindNames = [...]string{
	ValueAbsent: "absent",
	ValueString: "string",
	ValueInt:    "int",
	ValueFloat:  "float",
	ValueBool:   "bool",
	ValueTime:   "time",
	ValueBytes:  "bytes",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

func parseValueKind(s string) (ValueKind, bool) {
	for k, name := range valueKindNames {
		if name == s {
			return ValueKind(k), true
		}
	}
	return ValueAbsent, false
}

// Value is a property value. The zero Value is Absent; assigning Absent to a
// property deletes it.
type Value struct {
	kind ValueKind
	s    string
	n    int64
	f    float64
	t    time.Time
	b    []byte
}

// Absent is the sentinel that clears a property.
var Absent = Value{}

func String(s string) Value  { return Value{kind: ValueString, s: s} }
func Int(n int64) Value      { return Value{kind: ValueInt, n: n} }
func Float(f float64) Value  { return Value{kind: ValueFloat, f: f} }
func Time(t time.Time) Value { return Value{kind: ValueTime, t: t} }
func Bytes(b []byte) Value   { return Value{kind: ValueBytes, b: bytes.Clone(b)} }
func Bool(v bool) Value {
	if v {
		return Value{kind: ValueBool, n: 1}
	}
	return Value{kind: ValueBool}
}

// ValueOf converts a Go scalar to a Value. nil converts to Absent.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Absent, nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Time(x), nil
	case []byte:
		return Bytes(x), nil
	}
	return Absent, fmt.Errorf("unsupported property value type %T", v)
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == ValueAbsent }

func (v Value) AsString() (string, bool) { return v.s, v.kind == ValueString }
func (v Value) AsInt() (int64, bool)     { return v.n, v.kind == ValueInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == ValueFloat }
func (v Value) AsBool() (bool, bool)     { return v.n == 1, v.kind == ValueBool }
func (v Value) AsTime() (time.Time, bool) {
	return v.t, v.kind == ValueTime
}
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != ValueBytes {
		return nil, false
	}
	return bytes.Clone(v.b), true
}

// Interface returns the value as a plain Go scalar, or nil for Absent.
func (v Value) Interface() any {
	switch v.kind {
	case ValueString:
		return v.s
	case ValueInt:
		return v.n
	case ValueFloat:
		return v.f
	case ValueBool:
		return v.n == 1
	case ValueTime:
		return v.t
	case ValueBytes:
		return bytes.Clone(v.b)
	}
	return nil
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueAbsent:
		return true
	case ValueString:
		return v.s == o.s
	case ValueInt, ValueBool:
		return v.n == o.n
	case ValueFloat:
		return v.f == o.f
	case ValueTime:
		return v.t.Equal(o.t)
	case ValueBytes:
		return bytes.Equal(v.b, o.b)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case ValueString:
		return v.s
	case ValueInt:
		return strconv.FormatInt(v.n, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.n == 1)
	case ValueTime:
		return v.t.Format(time.RFC3339Nano)
	case ValueBytes:
		return fmt.Sprintf("%d bytes", len(v.b))
	}
	return "<absent>"
}

type valueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}. Absent
// encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == ValueAbsent {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Absent
		return nil
	}
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind, ok := parseValueKind(wire.Kind)
	if !ok {
		return fmt.Errorf("unknown value kind %q", wire.Kind)
	}

	var err error
	switch kind {
	case ValueAbsent:
		*v = Absent
	case ValueString:
		var s string
		err = json.Unmarshal(wire.Value, &s)
		*v = String(s)
	case ValueInt:
		var n int64
		err = json.Unmarshal(wire.Value, &n)
		*v = Int(n)
	case ValueFloat:
		var f float64
		err = json.Unmarshal(wire.Value, &f)
		*v = Float(f)
	case ValueBool:
		var b bool
		err = json.Unmarshal(wire.Value, &b)
		*v = Bool(b)
	case ValueTime:
		var t time.Time
		err = json.Unmarshal(wire.Value, &t)
		*v = Time(t)
	case ValueBytes:
		var b []byte
		err = json.Unmarshal(wire.Value, &b)
		*v = Value{kind: ValueBytes, b: b}
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s value: %w", wire.Kind, err)
	}
	return nil
}
