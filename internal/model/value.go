// Package model holds the canonical data types shared by every stage of
// the ingestor: the immutable Event produced by the connection manager,
// the dynamic attribute Value, the StoragePoint written to the
// time-series database, and the line-protocol codec.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the dynamic attribute value union.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMap
	KindList
)

// Value is a dynamic attribute value: string, int64, float64, bool, a
// nested map of Values, or a list of Values. The zero Value is null.
//
// Values are treated as immutable — accessors return copies of nested
// containers so downstream stages can never mutate an Event in place.
type Value struct {
	kind Kind
	s    string
	n    int64
	f    float64
	b    bool
	m    map[string]Value
	l    []Value
}

func String(s string) Value        { return Value{kind: KindString, s: s} }
func Int(n int64) Value            { return Value{kind: KindInt, n: n} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }
func List(l []Value) Value         { return Value{kind: KindList, l: l} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) Str() string   { return v.s }
func (v Value) Int64() int64  { return v.n }
func (v Value) Float() float64 { return v.f }
func (v Value) Bool() bool    { return v.b }

// MapVal returns a copy of the nested map, or nil for non-map values.
func (v Value) MapVal() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	out := make(map[string]Value, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// ListVal returns a copy of the nested list, or nil for non-list values.
func (v Value) ListVal() []Value {
	if v.kind != KindList {
		return nil
	}
	out := make([]Value, len(v.l))
	copy(out, v.l)
	return out
}

// mapGet avoids the defensive copy of MapVal on hot paths.
func (v Value) mapGet(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.m[key]
	return val, ok
}

// AsFloat coerces numeric-ish values to float64. Strings are parsed;
// booleans are not numbers.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.n), true
	case KindFloat:
		return v.f, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsString renders scalar values as their natural string form.
func (v Value) AsString() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Equal compares two values structurally. Int and float compare equal
// when they represent the same number.
func (v Value) Equal(o Value) bool {
	if vf, ok := v.AsFloat(); ok {
		if of, ok2 := o.AsFloat(); ok2 {
			return vf == of
		}
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, val := range v.m {
			ov, ok := o.m[k]
			if !ok || !val.Equal(ov) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return json.Marshal(v.n)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		return json.Marshal(v.m)
	case KindList:
		return json.Marshal(v.l)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON accepts any JSON value. Numbers without a fractional
// part that fit an int64 decode as KindInt, everything else numeric as
// KindFloat.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a decoded JSON value (string, json.Number, float64,
// bool, map[string]any, []any, nil) into a Value.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Value{}
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int(n)
		}
		f, _ := t.Float64()
		return Float(f)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, val := range t {
			m[k] = FromAny(val)
		}
		return Map(m)
	case []any:
		l := make([]Value, len(t))
		for i, val := range t {
			l[i] = FromAny(val)
		}
		return List(l)
	}
	return Value{}
}

// ResolvePath walks a dotted field path left-to-right through nested
// maps. Missing segments yield (null, false).
func ResolvePath(attrs map[string]Value, path string) (Value, bool) {
	segs := strings.Split(path, ".")
	cur, ok := attrs[segs[0]]
	if !ok {
		return Value{}, false
	}
	for _, seg := range segs[1:] {
		cur, ok = cur.mapGet(seg)
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// canonicalAppend writes a deterministic rendering of the value used
// for fingerprinting. Map keys are emitted in sorted order.
func canonicalAppend(b *strings.Builder, v Value) {
	switch v.kind {
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte(':')
			canonicalAppend(b, v.m[k])
			b.WriteByte(';')
		}
		b.WriteByte('}')
	case KindList:
		b.WriteByte('[')
		for _, e := range v.l {
			canonicalAppend(b, e)
			b.WriteByte(';')
		}
		b.WriteByte(']')
	default:
		b.WriteString(v.AsString())
	}
}
