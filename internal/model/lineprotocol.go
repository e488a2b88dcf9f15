package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Line-protocol codec. One point per line:
//
//	<measurement>[,k=v...] <fk>=<fv>[,...] <ts_ns>
//
// Escaping is context sensitive: ',' and ' ' in measurement names;
// ',', ' ' and '=' in tag keys, tag values and field keys; '"' in
// field string values. Booleans serialize lowercase, integers with an
// 'i' suffix, timestamps as integer nanoseconds. Tag and field keys
// are emitted in lexicographic order so every point has exactly one
// canonical serialization.

var (
	measurementEscaper = strings.NewReplacer(",", "\\,", " ", "\\ ")
	tokenEscaper       = strings.NewReplacer(",", "\\,", " ", "\\ ", "=", "\\=")
	stringFieldEscaper = strings.NewReplacer(`"`, `\"`)
)

type tagKV struct{ k, v string }

func sortedTags(tags map[string]string) []tagKV {
	out := make([]tagKV, 0, len(tags))
	for k, v := range tags {
		out = append(out, tagKV{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].k < out[j].k })
	return out
}

// EncodeLine serializes a single point to its canonical line.
func EncodeLine(p StoragePoint) string {
	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(p.Measurement))

	for _, kv := range sortedTags(p.Tags) {
		b.WriteByte(',')
		b.WriteString(tokenEscaper.Replace(kv.k))
		b.WriteByte('=')
		b.WriteString(tokenEscaper.Replace(kv.v))
	}

	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte(' ')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(tokenEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(encodeFieldValue(p.Fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Time.UnixNano(), 10))
	return b.String()
}

// EncodeLines serializes a batch, one line per point, newline separated.
func EncodeLines(points []StoragePoint) string {
	lines := make([]string, len(points))
	for i, p := range points {
		lines[i] = EncodeLine(p)
	}
	return strings.Join(lines, "\n")
}

func encodeFieldValue(v Value) string {
	switch v.Kind() {
	case KindInt:
		return strconv.FormatInt(v.Int64(), 10) + "i"
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	default:
		return `"` + stringFieldEscaper.Replace(v.Str()) + `"`
	}
}

// ParseLine decodes a canonical line back into a point. It exists for
// the encode/parse round-trip law and for writer tests; the ingest
// path never parses line protocol.
func ParseLine(line string) (StoragePoint, error) {
	var p StoragePoint
	tokens, err := splitUnescaped(line, ' ')
	if err != nil {
		return p, err
	}
	if len(tokens) != 3 {
		return p, fmt.Errorf("line has %d sections, want 3", len(tokens))
	}

	head, err := splitUnescaped(tokens[0], ',')
	if err != nil {
		return p, err
	}
	p.Measurement = unescapeToken(head[0])
	if len(head) > 1 {
		p.Tags = make(map[string]string, len(head)-1)
		for _, pair := range head[1:] {
			k, v, err := splitPair(pair)
			if err != nil {
				return p, fmt.Errorf("tag %q: %w", pair, err)
			}
			p.Tags[k] = v
		}
	}

	fieldPairs, err := splitUnescaped(tokens[1], ',')
	if err != nil {
		return p, err
	}
	p.Fields = make(map[string]Value, len(fieldPairs))
	for _, pair := range fieldPairs {
		k, raw, err := splitPair(pair)
		if err != nil {
			return p, fmt.Errorf("field %q: %w", pair, err)
		}
		v, err := parseFieldValue(raw)
		if err != nil {
			return p, fmt.Errorf("field %q: %w", k, err)
		}
		p.Fields[k] = v
	}

	ns, err := strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		return p, fmt.Errorf("timestamp %q: %w", tokens[2], err)
	}
	p.Time = timeFromNanos(ns)
	return p, nil
}

// ParseLines decodes a newline-separated body. Blank lines are skipped.
func ParseLines(body string) ([]StoragePoint, error) {
	var out []StoragePoint
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// splitUnescaped splits on sep, honoring backslash escapes and quoted
// field string values.
func splitUnescaped(s string, sep byte) ([]string, error) {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && !inQuotes:
			cur.WriteByte(c)
			i++
			cur.WriteByte(s[i])
		case c == '\\' && i+1 < len(s) && inQuotes && s[i+1] == '"':
			cur.WriteByte(c)
			i++
			cur.WriteByte(s[i])
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated string in %q", s)
	}
	out = append(out, cur.String())
	return out, nil
}

func splitPair(pair string) (string, string, error) {
	parts, err := splitUnescaped(pair, '=')
	if err != nil {
		return "", "", err
	}
	if len(parts) != 2 {
		return "", "", fmt.Errorf("want k=v, got %d parts", len(parts))
	}
	return unescapeToken(parts[0]), unescapeToken(parts[1]), nil
}

func unescapeToken(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func parseFieldValue(raw string) (Value, error) {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		inner := raw[1 : len(raw)-1]
		return String(strings.ReplaceAll(inner, `\"`, `"`)), nil
	}
	if raw == "true" || raw == "false" {
		return Bool(raw == "true"), nil
	}
	if strings.HasSuffix(raw, "i") {
		n, err := strconv.ParseInt(raw[:len(raw)-1], 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Value{}, err
	}
	return Float(f), nil
}
