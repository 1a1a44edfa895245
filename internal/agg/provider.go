// Package agg answers time-windowed statistical queries for the
// expression evaluator: count, sum, avg, min, max, median, stddev,
// count_distinct, and percentile over historical event data.
//
// The package owns three responsibilities: translating declarative window
// syntax into absolute [asOf-window, asOf) intervals, applying filter
// predicates (compiled into the backing store's query language where
// supported, streamed and filtered client-side otherwise), and caching
// results per (metric, filter hash, window, op, asOf bucket) to bound
// repeated evaluation cost within one pipeline execution.
//
// The backing event-history store is an external collaborator; Provider
// is its interface and MemoryProvider the in-process implementation used
// by tests and development setups.
package agg

import (
	"context"
	"errors"
	"time"

	"github.com/verdictlab/verdict/internal/types"
)

// ErrTimeout indicates the backing store exceeded its budget. The calling
// rule/step decides via its on_error policy whether to fail, fall back,
// or skip; this package only classifies.
var ErrTimeout = errors.New("aggregation query timed out")

// ErrBadMetric indicates a malformed metric path.
var ErrBadMetric = errors.New("invalid metric path")

// Op identifies an aggregation operation.
type Op int

const (
	OpCount Op = iota
	OpSum
	OpAvg
	OpMin
	OpMax
	OpMedian
	OpStddev
	OpCountDistinct
	OpPercentile
)

var opNames = map[string]Op{
	"count":          OpCount,
	"sum":            OpSum,
	"avg":            OpAvg,
	"min":            OpMin,
	"max":            OpMax,
	"median":         OpMedian,
	"stddev":         OpStddev,
	"count_distinct": OpCountDistinct,
	"percentile":     OpPercentile,
}

// ParseOp resolves an operation name. ok is false for unknown names.
func ParseOp(name string) (Op, bool) {
	op, ok := opNames[name]
	return op, ok
}

// String returns the declarative name of the operation.
func (o Op) String() string {
	for name, op := range opNames {
		if op == o {
			return name
		}
	}
	return "unknown"
}

// Predicate is a compiled filter applied to candidate records. The
// expression package provides the implementation; this package only
// needs per-record evaluation and a stable fingerprint for cache keys.
type Predicate interface {
	// EvalRecord reports whether a historical record matches. Record
	// fields are the primary scope; event.* references resolve against
	// the current execution's event.
	EvalRecord(ctx context.Context, record types.Value) (bool, error)

	// Hash is a stable fingerprint of the filter structure and its
	// captured outer references, used in cache keys.
	Hash() uint64
}

// Query is one aggregation request. Deterministic for a fixed
// (Metric, filter, Window, Op, AsOf) tuple and store snapshot: the store
// must never leak records at or after AsOf (point-in-time correctness).
type Query struct {
	Metric     string        // dotted path into the historical record
	Filter     Predicate     // nil means match-all
	Window     time.Duration // absolute interval is [AsOf-Window, AsOf)
	Op         Op
	Param      float64   // percentile rank in (0,100], unused otherwise
	AsOf       time.Time // evaluation reference time
	FilterHash uint64    // 0 when Filter is nil
}

// Provider answers aggregation queries.
type Provider interface {
	Query(ctx context.Context, q Query) (float64, error)
}
