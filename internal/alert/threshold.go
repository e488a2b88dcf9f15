package alert

import (
	"math"
	"sync"
	"time"
)

const (
	seriesRetention = 24 * time.Hour
	seriesCap       = 10_000
)

type sample struct {
	v float64
	t time.Time
}

// seriesStore keeps one time-ordered ring of samples per field path.
// The engine owns it exclusively; the pipeline only appends through
// AddDataPoint.
type seriesStore struct {
	mu sync.Mutex
	m  map[string][]sample
}

func newSeriesStore() *seriesStore {
	return &seriesStore{m: make(map[string][]sample)}
}

func (s *seriesStore) add(path string, v float64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.m[path], sample{v: v, t: t})
	if len(ring) > seriesCap {
		ring = ring[len(ring)-seriesCap:]
	}
	s.m[path] = ring
}

// window returns the samples for path newer than now−d, oldest first.
func (s *seriesStore) window(path string, now time.Time, d time.Duration) []sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.m[path]
	cutoff := now.Add(-d)
	for i, smp := range ring {
		if smp.t.After(cutoff) {
			out := make([]sample, len(ring)-i)
			copy(out, ring[i:])
			return out
		}
	}
	return nil
}

// compact drops samples beyond the retention horizon. Called from the
// engine's sweep.
func (s *seriesStore) compact(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-seriesRetention)
	for path, ring := range s.m {
		i := 0
		for i < len(ring) && !ring[i].t.After(cutoff) {
			i++
		}
		switch {
		case i == len(ring):
			delete(s.m, path)
		case i > 0:
			s.m[path] = append([]sample(nil), ring[i:]...)
		}
	}
}

// evaluate applies the threshold to the current value given the series
// window. Fewer than MinDataPoints in-window samples always yields
// false.
func (s *seriesStore) evaluate(th *Threshold, current float64, now time.Time) bool {
	window := th.TimeWindow
	if window <= 0 {
		window = time.Hour
	}
	minPoints := th.MinDataPoints
	if minPoints <= 0 {
		minPoints = defaultMinDataPoints
	}

	samples := s.window(th.FieldPath, now, window)
	if len(samples) < minPoints {
		return false
	}
	values := make([]float64, len(samples))
	for i, smp := range samples {
		values[i] = smp.v
	}

	switch th.Type {
	case ThresholdAbove:
		return current > th.Value
	case ThresholdBelow:
		return current < th.Value
	case ThresholdEquals:
		return math.Abs(current-th.Value) < 1e-9
	case ThresholdNotEquals:
		return math.Abs(current-th.Value) >= 1e-9
	case ThresholdPercentChange:
		baseline := baselineOf(th.Baseline, values)
		if baseline == 0 {
			return false
		}
		return math.Abs(current-baseline)/math.Abs(baseline)*100 > th.Value
	case ThresholdTrendUp:
		return slope(samples) > th.Sensitivity
	case ThresholdTrendDown:
		return slope(samples) < -th.Sensitivity
	case ThresholdVolatility:
		m := mean(values)
		if m == 0 {
			return false
		}
		return stdev(values, m)/math.Abs(m) > th.Value
	case ThresholdOutlier:
		m := mean(values)
		sd := stdev(values, m)
		if sd == 0 {
			return false
		}
		return math.Abs(current-m)/sd > th.Value
	default:
		return false
	}
}

func baselineOf(kind string, values []float64) float64 {
	switch kind {
	case BaselineAvg:
		return mean(values)
	case BaselineMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case BaselineMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case BaselineSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	default: // latest
		return values[len(values)-1]
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdev is the population standard deviation.
func stdev(values []float64, m float64) float64 {
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// slope fits a least-squares line over the samples, x in seconds from
// the first sample, and returns its gradient per second.
func slope(samples []sample) float64 {
	n := float64(len(samples))
	t0 := samples[0].t
	var sumX, sumY, sumXY, sumXX float64
	for _, smp := range samples {
		x := smp.t.Sub(t0).Seconds()
		sumX += x
		sumY += smp.v
		sumXY += x * smp.v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
