package agg

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/verdictlab/verdict/internal/types"
)

var asOf = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func record(age time.Duration, fields map[string]types.Value) Record {
	return Record{Time: asOf.Add(-age), Fields: types.Object(fields)}
}

func seeded(records ...Record) *MemoryProvider {
	m := NewMemoryProvider()
	for _, r := range records {
		m.Add(r)
	}
	return m
}

func TestMemoryProvider_Ops(t *testing.T) {
	m := seeded(
		record(10*time.Minute, map[string]types.Value{"amount": types.Number(100)}),
		record(20*time.Minute, map[string]types.Value{"amount": types.Number(50)}),
		record(30*time.Minute, map[string]types.Value{"amount": types.Number(250)}),
		record(40*time.Minute, map[string]types.Value{"other": types.Number(1)}),
	)

	tests := []struct {
		name string
		op   Op
		want float64
	}{
		{"count", OpCount, 3},
		{"sum", OpSum, 400},
		{"avg", OpAvg, 400.0 / 3},
		{"min", OpMin, 50},
		{"max", OpMax, 250},
		{"median", OpMedian, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(context.Background(), Query{
				Metric: "amount", Window: time.Hour, Op: tt.op, AsOf: asOf,
			})
			if err != nil {
				t.Fatalf("Query() error = %v, want nil", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Query(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestMemoryProvider_PointInTime(t *testing.T) {
	m := seeded(
		record(10*time.Minute, map[string]types.Value{"amount": types.Number(1)}),
		// At AsOf exactly: interval is half-open, must not count
		record(0, map[string]types.Value{"amount": types.Number(1)}),
		// After AsOf: future records never count
		record(-5*time.Minute, map[string]types.Value{"amount": types.Number(1)}),
		// Before the window start
		record(2*time.Hour, map[string]types.Value{"amount": types.Number(1)}),
	)

	got, err := m.Query(context.Background(), Query{
		Metric: "amount", Window: time.Hour, Op: OpCount, AsOf: asOf,
	})
	if err != nil {
		t.Fatalf("Query() error = %v, want nil", err)
	}
	if got != 1 {
		t.Errorf("Query(count) = %v, want 1", got)
	}
}

func TestMemoryProvider_CountDistinct(t *testing.T) {
	m := seeded(
		record(1*time.Hour, map[string]types.Value{"merchant_id": types.String("m-1")}),
		record(2*time.Hour, map[string]types.Value{"merchant_id": types.String("m-2")}),
		record(3*time.Hour, map[string]types.Value{"merchant_id": types.String("m-1")}),
		record(4*time.Hour, map[string]types.Value{"merchant_id": types.String("m-3")}),
	)

	got, err := m.Query(context.Background(), Query{
		Metric: "merchant_id", Window: 24 * time.Hour, Op: OpCountDistinct, AsOf: asOf,
	})
	if err != nil {
		t.Fatalf("Query() error = %v, want nil", err)
	}
	if got != 3 {
		t.Errorf("Query(count_distinct) = %v, want 3", got)
	}
}

type predicateFunc struct {
	fn   func(record types.Value) bool
	hash uint64
}

func (p predicateFunc) EvalRecord(_ context.Context, record types.Value) (bool, error) {
	return p.fn(record), nil
}

func (p predicateFunc) Hash() uint64 { return p.hash }

func TestMemoryProvider_Filter(t *testing.T) {
	m := seeded(
		record(1*time.Hour, map[string]types.Value{"amount": types.Number(10), "status": types.String("failed")}),
		record(2*time.Hour, map[string]types.Value{"amount": types.Number(20), "status": types.String("ok")}),
		record(3*time.Hour, map[string]types.Value{"amount": types.Number(30), "status": types.String("failed")}),
	)

	failedOnly := predicateFunc{fn: func(rec types.Value) bool {
		s, _ := rec.Field("status")
		str, _ := s.AsString()
		return str == "failed"
	}}

	got, err := m.Query(context.Background(), Query{
		Metric: "amount", Window: 24 * time.Hour, Op: OpSum, AsOf: asOf, Filter: failedOnly,
	})
	if err != nil {
		t.Fatalf("Query() error = %v, want nil", err)
	}
	if got != 40 {
		t.Errorf("Query(sum, filtered) = %v, want 40", got)
	}
}

func TestMemoryProvider_Percentile(t *testing.T) {
	var records []Record
	for i := 1; i <= 100; i++ {
		records = append(records, record(time.Duration(i)*time.Minute,
			map[string]types.Value{"latency": types.Number(float64(i))}))
	}
	m := seeded(records...)

	tests := []struct {
		p    float64
		want float64
	}{
		{50, 50},
		{95, 95},
		{100, 100},
	}
	for _, tt := range tests {
		got, err := m.Query(context.Background(), Query{
			Metric: "latency", Window: 3 * time.Hour, Op: OpPercentile, Param: tt.p, AsOf: asOf,
		})
		if err != nil {
			t.Fatalf("Query() error = %v, want nil", err)
		}
		if got != tt.want {
			t.Errorf("Query(p%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestMemoryProvider_NestedMetric(t *testing.T) {
	m := seeded(
		record(time.Minute, map[string]types.Value{
			"card": types.Object(map[string]types.Value{"bin": types.String("411111")}),
		}),
	)

	got, err := m.Query(context.Background(), Query{
		Metric: "card.bin", Window: time.Hour, Op: OpCount, AsOf: asOf,
	})
	if err != nil {
		t.Fatalf("Query() error = %v, want nil", err)
	}
	if got != 1 {
		t.Errorf("Query(count) = %v, want 1", got)
	}
}

func TestMemoryProvider_BadMetric(t *testing.T) {
	m := NewMemoryProvider()
	for _, metric := range []string{"", "a..b", ".a"} {
		_, err := m.Query(context.Background(), Query{
			Metric: metric, Window: time.Hour, Op: OpCount, AsOf: asOf,
		})
		if err == nil {
			t.Errorf("Query(metric=%q) error = nil, want error", metric)
		}
	}
}

func TestMemoryProvider_EmptyWindow(t *testing.T) {
	m := NewMemoryProvider()

	for _, op := range []Op{OpCount, OpSum, OpAvg, OpMin, OpMax, OpMedian, OpStddev, OpCountDistinct} {
		got, err := m.Query(context.Background(), Query{
			Metric: "amount", Window: time.Hour, Op: op, AsOf: asOf,
		})
		if err != nil {
			t.Fatalf("Query(%s) error = %v, want nil", op, err)
		}
		if got != 0 {
			t.Errorf("Query(%s) over empty window = %v, want 0", op, got)
		}
	}
}

func TestMemoryProvider_LatencyTimeout(t *testing.T) {
	m := NewMemoryProvider()
	m.Latency = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := m.Query(ctx, Query{Metric: "amount", Window: time.Hour, Op: OpCount, AsOf: asOf})
	if err != ErrTimeout {
		t.Errorf("Query() error = %v, want ErrTimeout", err)
	}
}
