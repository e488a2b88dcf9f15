package model

import (
	"fmt"
	"strings"
	"time"
)

const maxNameLen = 64

func timeFromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

// StoragePoint is a single time-series sample: measurement, ordered
// tags, typed fields, and a nanosecond timestamp.
type StoragePoint struct {
	Measurement string           `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]Value  `json:"fields"`
	Time        time.Time         `json:"time"`
}

// forbidden characters in measurement names, tag keys/values, and
// field keys. The line-protocol escaper handles ',', ' ' and '=' but
// control characters are rejected outright.
func hasControlChars(s string) bool {
	return strings.ContainsAny(s, "\n\r\t")
}

func validName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

func validKey(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	return !strings.ContainsAny(s, "=, \n\r\t")
}

// Validate enforces the point invariants: a well-formed measurement
// name, non-empty constrained tag/field keys, string tag values, and
// scalar non-null field values. Invalid points are dropped by the
// writer, never sent.
func (p StoragePoint) Validate() error {
	if !validName(p.Measurement) {
		return fmt.Errorf("invalid measurement name %q", p.Measurement)
	}
	for k, v := range p.Tags {
		if !validKey(k) {
			return fmt.Errorf("invalid tag key %q", k)
		}
		if v == "" || len(v) > maxNameLen || hasControlChars(v) {
			return fmt.Errorf("invalid tag value %q for key %q", v, k)
		}
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("point %q has no fields", p.Measurement)
	}
	for k, v := range p.Fields {
		if !validKey(k) {
			return fmt.Errorf("invalid field key %q", k)
		}
		switch v.Kind() {
		case KindString, KindInt, KindFloat, KindBool:
		default:
			return fmt.Errorf("field %q has unrepresentable kind %d", k, v.Kind())
		}
	}
	return nil
}

// Equal compares two points structurally, ignoring map ordering.
func (p StoragePoint) Equal(o StoragePoint) bool {
	if p.Measurement != o.Measurement || !p.Time.Equal(o.Time) {
		return false
	}
	if len(p.Tags) != len(o.Tags) || len(p.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range p.Tags {
		if o.Tags[k] != v {
			return false
		}
	}
	for k, v := range p.Fields {
		ov, ok := o.Fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// SeriesKey identifies the logical series of a point: measurement plus
// sorted tag pairs. Used by the batch optimizer for grouping and
// deduplication.
func (p StoragePoint) SeriesKey() string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	for _, kv := range sortedTags(p.Tags) {
		b.WriteByte(',')
		b.WriteString(kv.k)
		b.WriteByte('=')
		b.WriteString(kv.v)
	}
	return b.String()
}
