package writer

import (
	"sort"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Workload tags classify the shape of a pending batch; each maps to one
// optimization. Optimization is a pure function: applying it twice
// yields the same batch, and it never invents a measurement or moves a
// field between points of different identity.
type Workload string

const (
	WorkloadHighCardinality Workload = "high_cardinality"
	WorkloadWideMetrics     Workload = "wide_metrics"
	WorkloadSimpleMetrics   Workload = "simple_metrics"
	WorkloadMultiSource     Workload = "multi_source"
	WorkloadBurst           Workload = "burst"
	WorkloadMixed           Workload = "mixed"
)

const (
	highCardinalityAvgTags = 5
	wideMetricsAvgFields   = 10
	multiSourceMinDistinct = 10
	burstMaxDistinctHours  = 2
)

// essentialTags are never dropped by the constant-tag optimization;
// without entity_id a point loses its series identity.
var essentialTags = map[string]struct{}{
	"entity_id": {},
}

func detectWorkload(batch []model.StoragePoint) Workload {
	if len(batch) == 0 {
		return WorkloadMixed
	}

	measurements := make(map[string]struct{})
	hours := make(map[int64]struct{})
	var tagSum, fieldSum int
	for _, p := range batch {
		measurements[p.Measurement] = struct{}{}
		hours[p.Time.Unix()/3600] = struct{}{}
		tagSum += len(p.Tags)
		fieldSum += len(p.Fields)
	}
	avgTags := float64(tagSum) / float64(len(batch))
	avgFields := float64(fieldSum) / float64(len(batch))

	switch {
	case len(measurements) == 1 && avgTags > highCardinalityAvgTags:
		return WorkloadHighCardinality
	case len(measurements) == 1 && avgFields > wideMetricsAvgFields:
		return WorkloadWideMetrics
	case len(measurements) == 1:
		return WorkloadSimpleMetrics
	case len(measurements) > multiSourceMinDistinct:
		return WorkloadMultiSource
	case len(hours) <= burstMaxDistinctHours:
		return WorkloadBurst
	default:
		return WorkloadMixed
	}
}

// optimizeBatch classifies the batch and applies the matching
// transformation. The input slice is not modified.
func optimizeBatch(batch []model.StoragePoint) ([]model.StoragePoint, Workload) {
	w := detectWorkload(batch)
	switch w {
	case WorkloadHighCardinality:
		return dropConstantTags(batch), w
	case WorkloadWideMetrics:
		return mergeFieldUnion(batch), w
	case WorkloadSimpleMetrics:
		return dedupPoints(sortByTime(batch)), w
	case WorkloadMultiSource:
		return groupByMeasurement(batch), w
	case WorkloadBurst:
		return dedupPoints(batch), w
	default:
		return sortByTime(dedupPoints(batch)), w
	}
}

func sortByTime(batch []model.StoragePoint) []model.StoragePoint {
	out := make([]model.StoragePoint, len(batch))
	copy(out, batch)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// dedupPoints keeps the first occurrence of each
// (measurement, timestamp, sorted tags) key, preserving order.
func dedupPoints(batch []model.StoragePoint) []model.StoragePoint {
	seen := make(map[string]struct{}, len(batch))
	out := make([]model.StoragePoint, 0, len(batch))
	for _, p := range batch {
		key := p.SeriesKey() + "@" + p.Time.UTC().Format("20060102150405.999999999")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// dropConstantTags removes tags whose value is identical across the
// whole batch, keeping the essential set. Only useful when a single
// measurement carries many redundant tags.
func dropConstantTags(batch []model.StoragePoint) []model.StoragePoint {
	if len(batch) < 2 {
		return batch
	}

	constant := make(map[string]string)
	for k, v := range batch[0].Tags {
		constant[k] = v
	}
	for _, p := range batch[1:] {
		for k, v := range constant {
			if pv, ok := p.Tags[k]; !ok || pv != v {
				delete(constant, k)
			}
		}
	}
	for k := range essentialTags {
		delete(constant, k)
	}
	if len(constant) == 0 {
		return batch
	}

	out := make([]model.StoragePoint, len(batch))
	for i, p := range batch {
		tags := make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			if _, drop := constant[k]; !drop {
				tags[k] = v
			}
		}
		out[i] = model.StoragePoint{
			Measurement: p.Measurement,
			Tags:        tags,
			Fields:      p.Fields,
			Time:        p.Time,
		}
	}
	return out
}

// mergeFieldUnion merges points sharing measurement, tags, and
// timestamp into one point carrying the union of their fields; a later
// point's value wins on key collision.
func mergeFieldUnion(batch []model.StoragePoint) []model.StoragePoint {
	index := make(map[string]int, len(batch))
	out := make([]model.StoragePoint, 0, len(batch))
	for _, p := range batch {
		key := p.SeriesKey() + "@" + p.Time.UTC().Format("20060102150405.999999999")
		if i, ok := index[key]; ok {
			merged := make(map[string]model.Value, len(out[i].Fields)+len(p.Fields))
			for k, v := range out[i].Fields {
				merged[k] = v
			}
			for k, v := range p.Fields {
				merged[k] = v
			}
			out[i].Fields = merged
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}

// groupByMeasurement orders the batch by measurement name, each group
// sorted by timestamp.
func groupByMeasurement(batch []model.StoragePoint) []model.StoragePoint {
	out := make([]model.StoragePoint, len(batch))
	copy(out, batch)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Measurement != out[j].Measurement {
			return out[i].Measurement < out[j].Measurement
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}
