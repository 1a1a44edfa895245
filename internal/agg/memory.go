package agg

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/verdictlab/verdict/internal/types"
)

// Record is one historical event in the in-memory store.
type Record struct {
	Time   time.Time
	Fields types.Value // object
}

// MemoryProvider is an in-process event-history store for tests and
// development. Production deployments back Provider with a time-series /
// feature store; this implementation defines the reference semantics:
// point-in-time correctness (records at or after AsOf never count) and
// client-side filter application.
type MemoryProvider struct {
	mu      sync.RWMutex
	records []Record // kept sorted by Time

	// Latency, when set, is added to every query; used to exercise
	// timeout and cancellation paths in tests.
	Latency time.Duration
}

// NewMemoryProvider creates an empty store.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// Add inserts a record preserving time order.
func (m *MemoryProvider) Add(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Time.After(r.Time)
	})
	m.records = append(m.records, Record{})
	copy(m.records[i+1:], m.records[i:])
	m.records[i] = r
}

// Query scans the window [AsOf-Window, AsOf), applies the filter, extracts
// the metric path from each matching record, and computes the operation.
func (m *MemoryProvider) Query(ctx context.Context, q Query) (float64, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return 0, ErrTimeout
		}
	}

	path, err := parseMetricPath(q.Metric)
	if err != nil {
		return 0, err
	}

	from := q.AsOf.Add(-q.Window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var samples []float64
	distinct := make(map[string]struct{})
	matched := 0

	for _, rec := range m.records {
		if rec.Time.Before(from) || !rec.Time.Before(q.AsOf) {
			continue
		}
		if q.Filter != nil {
			ok, err := q.Filter.EvalRecord(ctx, rec.Fields)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
		}

		result, err := resolveMetric(path, rec.Fields)
		if err != nil || !result.Found || result.Value.IsNull() {
			// Records without the metric field contribute nothing
			continue
		}
		matched++

		switch q.Op {
		case OpCountDistinct:
			distinct[result.Value.Display()] = struct{}{}
		case OpCount:
			// presence is enough
		default:
			n, ok := result.Value.AsNumber()
			if !ok {
				continue
			}
			samples = append(samples, n)
		}
	}

	switch q.Op {
	case OpCount:
		return float64(matched), nil
	case OpCountDistinct:
		return float64(len(distinct)), nil
	case OpSum:
		return sum(samples), nil
	case OpAvg:
		if len(samples) == 0 {
			return 0, nil
		}
		return sum(samples) / float64(len(samples)), nil
	case OpMin:
		return fold(samples, math.Min), nil
	case OpMax:
		return fold(samples, math.Max), nil
	case OpMedian:
		return percentile(samples, 50), nil
	case OpStddev:
		return stddev(samples), nil
	case OpPercentile:
		return percentile(samples, q.Param), nil
	default:
		return 0, nil
	}
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func fold(xs []float64, f func(a, b float64) float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	acc := xs[0]
	for _, x := range xs[1:] {
		acc = f(acc, x)
	}
	return acc
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := sum(xs) / float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)-1))
}

// percentile uses nearest-rank on a sorted copy. p in (0, 100].
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// metricSeg mirrors a minimal dotted path: object keys only. Metric paths
// never need wildcards or indices; the filter predicate handles structure.
type metricSeg struct{ key string }

func parseMetricPath(s string) ([]metricSeg, error) {
	if s == "" {
		return nil, ErrBadMetric
	}
	var segs []metricSeg
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if i == start {
				return nil, ErrBadMetric
			}
			segs = append(segs, metricSeg{key: s[start:i]})
			start = i + 1
		}
	}
	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	return segs, nil
}

type metricResult struct {
	Value types.Value
	Found bool
}

func resolveMetric(path []metricSeg, record types.Value) (metricResult, error) {
	current := record
	for _, seg := range path {
		next, ok := current.Field(seg.key)
		if !ok {
			return metricResult{}, nil
		}
		current = next
	}
	return metricResult{Value: current, Found: true}, nil
}
