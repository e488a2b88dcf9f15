package writer

import (
	"compress/flate"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

func inflate(t *testing.T, payload []byte) []byte {
	t.Helper()
	fr := flate.NewReader(strings.NewReader(string(payload)))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	require.NoError(t, err)
	return out
}

func taggedPoint(measurement string, ts int64, tags map[string]string, fields map[string]model.Value) model.StoragePoint {
	return model.StoragePoint{Measurement: measurement, Tags: tags, Fields: fields, Time: time.Unix(0, ts)}
}

func TestDetectWorkload(t *testing.T) {
	manyTags := func(i int) map[string]string {
		return map[string]string{
			"entity_id": fmt.Sprintf("sensor.s%d", i),
			"room":      "kitchen", "floor": "1", "source": "hub",
			"firmware": "2.1", "vendor": "acme", "model": "x1",
		}
	}
	manyFields := map[string]model.Value{}
	for i := 0; i < 12; i++ {
		manyFields[fmt.Sprintf("f%d", i)] = model.Int(int64(i))
	}
	simpleTags := map[string]string{"entity_id": "sensor.a"}
	oneField := map[string]model.Value{"v": model.Int(1)}

	tests := []struct {
		name  string
		batch []model.StoragePoint
		want  Workload
	}{
		{"high cardinality", []model.StoragePoint{
			taggedPoint("sensor", 1, manyTags(1), oneField),
			taggedPoint("sensor", 2, manyTags(2), oneField),
		}, WorkloadHighCardinality},
		{"wide metrics", []model.StoragePoint{
			taggedPoint("sensor", 1, simpleTags, manyFields),
			taggedPoint("sensor", 2, simpleTags, manyFields),
		}, WorkloadWideMetrics},
		{"simple metrics", []model.StoragePoint{
			taggedPoint("sensor", 1, simpleTags, oneField),
			taggedPoint("sensor", 2, simpleTags, oneField),
		}, WorkloadSimpleMetrics},
		{"burst", func() []model.StoragePoint {
			// Two measurements, same hour.
			return []model.StoragePoint{
				taggedPoint("light", 1, simpleTags, oneField),
				taggedPoint("switch", 2, simpleTags, oneField),
			}
		}(), WorkloadBurst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectWorkload(tt.batch))
		})
	}

	// Eleven distinct measurements make it multi-source.
	multi := make([]model.StoragePoint, 0, 11)
	for i := 0; i < 11; i++ {
		multi = append(multi, taggedPoint(fmt.Sprintf("m%d", i), int64(i), simpleTags, oneField))
	}
	assert.Equal(t, WorkloadMultiSource, detectWorkload(multi))
}

func TestOptimize_DropConstantTags(t *testing.T) {
	batch := []model.StoragePoint{
		taggedPoint("sensor", 1, map[string]string{
			"entity_id": "sensor.a", "room": "kitchen", "floor": "1",
			"source": "hub", "firmware": "2.1", "vendor": "acme",
		}, map[string]model.Value{"v": model.Int(1)}),
		taggedPoint("sensor", 2, map[string]string{
			"entity_id": "sensor.b", "room": "hall", "floor": "1",
			"source": "hub", "firmware": "2.1", "vendor": "acme",
		}, map[string]model.Value{"v": model.Int(2)}),
	}

	out, w := optimizeBatch(batch)
	require.Equal(t, WorkloadHighCardinality, w)
	require.Len(t, out, 2)

	// Constant tags gone, varying and essential ones kept.
	assert.Equal(t, map[string]string{"entity_id": "sensor.a", "room": "kitchen"}, out[0].Tags)
	assert.Equal(t, map[string]string{"entity_id": "sensor.b", "room": "hall"}, out[1].Tags)

	// The input batch is untouched.
	assert.Len(t, batch[0].Tags, 6)
}

func TestOptimize_WideMetricsFieldUnion(t *testing.T) {
	tags := map[string]string{"entity_id": "sensor.multi"}
	mk := func(ts int64, key string, v int64) model.StoragePoint {
		fields := map[string]model.Value{}
		for i := 0; i < 11; i++ {
			fields[fmt.Sprintf("pad%d", i)] = model.Int(int64(i))
		}
		fields[key] = model.Int(v)
		return taggedPoint("sensor", ts, tags, fields)
	}

	batch := []model.StoragePoint{
		mk(1, "temp", 20),
		mk(1, "humidity", 60),
		mk(1, "temp", 21), // newer value wins
		mk(2, "temp", 22),
	}
	out, w := optimizeBatch(batch)
	require.Equal(t, WorkloadWideMetrics, w)
	require.Len(t, out, 2)

	assert.Equal(t, int64(21), out[0].Fields["temp"].Int64())
	assert.Equal(t, int64(60), out[0].Fields["humidity"].Int64())
	assert.Equal(t, int64(22), out[1].Fields["temp"].Int64())
}

func TestOptimize_SimpleMetricsDedup(t *testing.T) {
	tags := map[string]string{"entity_id": "sensor.a"}
	batch := []model.StoragePoint{
		taggedPoint("sensor", 3, tags, map[string]model.Value{"v": model.Int(3)}),
		taggedPoint("sensor", 1, tags, map[string]model.Value{"v": model.Int(1)}),
		taggedPoint("sensor", 1, tags, map[string]model.Value{"v": model.Int(1)}),
		taggedPoint("sensor", 2, tags, map[string]model.Value{"v": model.Int(2)}),
	}
	out, w := optimizeBatch(batch)
	require.Equal(t, WorkloadSimpleMetrics, w)
	require.Len(t, out, 3)
	assert.True(t, out[0].Time.Before(out[1].Time) && out[1].Time.Before(out[2].Time))
}

func TestOptimize_MultiSourceGrouping(t *testing.T) {
	var batch []model.StoragePoint
	for i := 10; i >= 0; i-- {
		batch = append(batch,
			taggedPoint(fmt.Sprintf("m%02d", i), 2, map[string]string{"entity_id": "e"}, map[string]model.Value{"v": model.Int(2)}),
			taggedPoint(fmt.Sprintf("m%02d", i), 1, map[string]string{"entity_id": "e"}, map[string]model.Value{"v": model.Int(1)}),
		)
	}
	out, w := optimizeBatch(batch)
	require.Equal(t, WorkloadMultiSource, w)

	for i := 1; i < len(out); i++ {
		prev, cur := out[i-1], out[i]
		ok := prev.Measurement < cur.Measurement ||
			(prev.Measurement == cur.Measurement && !cur.Time.Before(prev.Time))
		assert.True(t, ok, "grouped by measurement, time-ordered within each group")
	}
}

func TestOptimize_Idempotent(t *testing.T) {
	batches := map[string][]model.StoragePoint{
		"high cardinality": {
			taggedPoint("sensor", 1, map[string]string{
				"entity_id": "sensor.a", "room": "kitchen", "floor": "1",
				"source": "hub", "firmware": "2.1", "vendor": "acme",
			}, map[string]model.Value{"v": model.Int(1)}),
			taggedPoint("sensor", 2, map[string]string{
				"entity_id": "sensor.b", "room": "hall", "floor": "1",
				"source": "hub", "firmware": "2.1", "vendor": "acme",
			}, map[string]model.Value{"v": model.Int(2)}),
		},
		"simple with dupes": {
			taggedPoint("sensor", 2, map[string]string{"entity_id": "a"}, map[string]model.Value{"v": model.Int(2)}),
			taggedPoint("sensor", 1, map[string]string{"entity_id": "a"}, map[string]model.Value{"v": model.Int(1)}),
			taggedPoint("sensor", 1, map[string]string{"entity_id": "a"}, map[string]model.Value{"v": model.Int(1)}),
		},
	}

	for name, batch := range batches {
		t.Run(name, func(t *testing.T) {
			once, _ := optimizeBatch(batch)
			twice, _ := optimizeBatch(once)
			require.Len(t, twice, len(once))
			for i := range once {
				assert.True(t, once[i].Equal(twice[i]), "point %d changed on second pass", i)
			}
		})
	}
}
