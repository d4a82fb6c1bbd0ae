package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind identifies which member of the closed attribute value set a Value holds.
type ValueKind uint8

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueMap
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is one attribute value: a string, a number, a boolean or a nested mapping.
// The zero Value is the empty string.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    Attributes
}

// String returns a string Value.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{kind: ValueNumber, num: f} }

// Int returns a numeric Value from an integer.
func Int(i int) Value { return Value{kind: ValueNumber, num: float64(i)} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Map returns a nested-mapping Value. The mapping is copied.
func Map(m Attributes) Value { return Value{kind: ValueMap, m: m.Clone()} }

// Kind reports which kind of value v holds.
func (v Value) Kind() ValueKind { return v.kind }

// AsString returns the string held by v, or "" for other kinds.
func (v Value) AsString() string {
	if v.kind != ValueString {
		return ""
	}
	return v.str
}

// AsNumber returns the number held by v, or 0 for other kinds.
func (v Value) AsNumber() float64 {
	if v.kind != ValueNumber {
		return 0
	}
	return v.num
}

// AsBool returns the boolean held by v, or false for other kinds.
func (v Value) AsBool() bool {
	if v.kind != ValueBool {
		return false
	}
	return v.b
}

// AsMap returns a copy of the mapping held by v, or nil for other kinds.
func (v Value) AsMap() Attributes {
	if v.kind != ValueMap {
		return nil
	}
	return v.m.Clone()
}

// String renders v for humans and for string-only sinks such as metric labels.
func (v Value) String() string {
	switch v.kind {
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.b)
	case ValueMap:
		data, err := json.Marshal(v.m)
		if err != nil {
			return "{}"
		}
		return string(data)
	default:
		return v.str
	}
}

// Interface returns v as a plain Go value: string, float64, bool or map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case ValueNumber:
		return v.num
	case ValueBool:
		return v.b
	case ValueMap:
		out := make(map[string]interface{}, len(v.m))
		for k, val := range v.m {
			out[k] = val.Interface()
		}
		return out
	default:
		return v.str
	}
}

// Equal reports whether v and o hold the same kind and contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNumber:
		return v.num == o.num
	case ValueBool:
		return v.b == o.b
	case ValueMap:
		return v.m.Equal(o.m)
	default:
		return v.str == o.str
	}
}

// MarshalJSON encodes v as the matching JSON type. Non-finite numbers have no JSON
// representation and are encoded as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return json.Marshal(strconv.FormatFloat(v.num, 'f', -1, 64))
		}
		return json.Marshal(v.num)
	case ValueBool:
		return json.Marshal(v.b)
	case ValueMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return json.Marshal(v.str)
	}
}

// UnmarshalJSON decodes any JSON value. Arrays are kept as their JSON text and null
// becomes the empty string.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if _, ok := raw.([]interface{}); ok {
		*v = String(string(bytes.TrimSpace(data)))
		return nil
	}
	*v = ValueOf(raw)
	return nil
}

// MaxValueDepth bounds how many levels of nested maps ValueOf converts. Deeper
// levels, including the loop of a self-referential map, are rendered as their type name.
const MaxValueDepth = 32

// ValueOf converts a host value into a Value. It never panics: unsupported types are
// rendered with %v, nil becomes the empty string, durations become milliseconds and
// times become RFC 3339 strings.
func ValueOf(x interface{}) Value {
	return valueOf(x, 0)
}

func valueOf(x interface{}, depth int) (v Value) {
	defer func() {
		if r := recover(); r != nil {
			v = String(fmt.Sprintf("%%!v(PANIC=%v)", r))
		}
	}()

	switch t := x.(type) {
	case nil:
		return String("")
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return String(t.String())
	case time.Duration:
		return Number(float64(t) / float64(time.Millisecond))
	case time.Time:
		return String(t.Format(time.RFC3339Nano))
	case Attributes:
		return Map(t)
	case map[string]interface{}:
		if depth >= MaxValueDepth {
			return String(fmt.Sprintf("%T", t))
		}
		return Value{kind: ValueMap, m: attributesOf(t, depth+1)}
	case map[string]string:
		m := make(Attributes, len(t))
		for k, s := range t {
			m[k] = String(s)
		}
		return Value{kind: ValueMap, m: m}
	case error:
		return String(t.Error())
	case fmt.Stringer:
		return String(t.String())
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Attributes is a mapping from attribute name to Value.
type Attributes map[string]Value

// AttributesOf converts a loosely typed map into Attributes.
func AttributesOf(m map[string]interface{}) Attributes {
	return attributesOf(m, 0)
}

func attributesOf(m map[string]interface{}, depth int) Attributes {
	out := make(Attributes, len(m))
	for k, v := range m {
		out[k] = valueOf(v, depth)
	}
	return out
}

// Clone returns a deep copy. Cloning nil returns an empty, non-nil mapping.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if v.kind == ValueMap {
			v.m = v.m.Clone()
		}
		out[k] = v
	}
	return out
}

// Merge returns a new mapping holding a with over applied on top (last write wins).
func (a Attributes) Merge(over Attributes) Attributes {
	out := a.Clone()
	for k, v := range over {
		if v.kind == ValueMap {
			v.m = v.m.Clone()
		}
		out[k] = v
	}
	return out
}

// Set stores ValueOf(value) under key.
func (a Attributes) Set(key string, value interface{}) {
	a[key] = ValueOf(value)
}

// Equal reports whether a and o hold the same keys and values.
func (a Attributes) Equal(o Attributes) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Map returns the attributes as plain Go values.
func (a Attributes) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v.Interface()
	}
	return out
}
