package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLine_Canonical(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		point StoragePoint
		want  string
	}{
		{
			name: "light state change",
			point: StoragePoint{
				Measurement: "light",
				Tags:        map[string]string{"entity_id": "light.kitchen"},
				Fields: map[string]Value{
					"state":      String("on"),
					"brightness": Int(200),
				},
				Time: ts,
			},
			want: `light,entity_id=light.kitchen brightness=200i,state="on" 1735689600000000000`,
		},
		{
			name: "tags and fields sorted lexicographically",
			point: StoragePoint{
				Measurement: "sensor",
				Tags:        map[string]string{"zone": "upstairs", "area": "hall"},
				Fields: map[string]Value{
					"humidity":    Float(41.5),
					"temperature": Float(21.25),
					"battery":     Int(88),
				},
				Time: ts,
			},
			want: `sensor,area=hall,zone=upstairs battery=88i,humidity=41.5,temperature=21.25 1735689600000000000`,
		},
		{
			name: "escaping of comma space equals and quote",
			point: StoragePoint{
				Measurement: "room metrics",
				Tags:        map[string]string{"name": "a=b, c"},
				Fields: map[string]Value{
					"note": String(`say "hi"`),
					"ok":   Bool(true),
				},
				Time: ts,
			},
			want: `room\ metrics,name=a\=b\,\ c note="say \"hi\"",ok=true 1735689600000000000`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeLine(tt.point))
		})
	}
}

func TestLineProtocol_RoundTrip(t *testing.T) {
	points := []StoragePoint{
		{
			Measurement: "light",
			Tags:        map[string]string{"entity_id": "light.kitchen", "area": "kitchen"},
			Fields:      map[string]Value{"state": String("on"), "brightness": Int(200)},
			Time:        time.Date(2025, 1, 1, 0, 0, 0, 123456789, time.UTC),
		},
		{
			Measurement: "climate",
			Fields:      map[string]Value{"temp": Float(20.5), "heating": Bool(false)},
			Time:        time.Unix(0, 1735689600000000001).UTC(),
		},
		{
			Measurement: "weird-name_1",
			Tags:        map[string]string{"k with space": "v,comma"},
			Fields:      map[string]Value{"s": String(`quo"ted`)},
			Time:        time.Unix(42, 7).UTC(),
		},
	}

	body := EncodeLines(points)
	parsed, err := ParseLines(body)
	require.NoError(t, err)
	require.Len(t, parsed, len(points))

	for i := range points {
		assert.True(t, points[i].Equal(parsed[i]), "point %d: %s", i, EncodeLine(points[i]))
	}
}

func TestParseLine_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing fields section", "light 1735689600000000000"},
		{"bad timestamp", `light state="on" notatime`},
		{"unterminated string", `light note="oops 1735689600000000000`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine(tt.line)
			assert.Error(t, err)
		})
	}
}

func TestStoragePoint_Validate(t *testing.T) {
	ts := time.Now()
	valid := StoragePoint{
		Measurement: "light",
		Tags:        map[string]string{"entity_id": "light.kitchen"},
		Fields:      map[string]Value{"state": String("on")},
		Time:        ts,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *StoragePoint)
	}{
		{"empty measurement", func(p *StoragePoint) { p.Measurement = "" }},
		{"measurement with space", func(p *StoragePoint) { p.Measurement = "a b" }},
		{"measurement too long", func(p *StoragePoint) {
			for len(p.Measurement) <= maxNameLen {
				p.Measurement += "x"
			}
		}},
		{"tag key with equals", func(p *StoragePoint) { p.Tags = map[string]string{"a=b": "v"} }},
		{"tag value with newline", func(p *StoragePoint) { p.Tags = map[string]string{"k": "a\nb"} }},
		{"empty tag value", func(p *StoragePoint) { p.Tags = map[string]string{"k": ""} }},
		{"no fields", func(p *StoragePoint) { p.Fields = nil }},
		{"map-valued field", func(p *StoragePoint) {
			p.Fields = map[string]Value{"bad": Map(map[string]Value{"x": Int(1)})}
		}},
		{"null field", func(p *StoragePoint) { p.Fields = map[string]Value{"bad": {}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
