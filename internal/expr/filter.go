// internal/expr/filter.go
package expr

import (
	"context"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Aggregation filter predicates.
 *
 * An aggregation filter is evaluated once per candidate historical
 * record: record fields are the primary scope, while event.*, vars.* and
 * sys.* resolve against the current execution (outer env). The cache
 * fingerprint must therefore cover not just the filter's structure but
 * the resolved outer values it captures - two executions sharing a TTL
 * bucket must not collide on `geo.ip == event.geo.ip` with different
 * events.
 */

// outerRoots are the regions a filter resolves against the enclosing
// execution instead of the candidate record.
var outerRoots = map[string]bool{
	"event": true,
	"vars":  true,
	"sys":   true,
	"env":   true,
}

type filterPredicate struct {
	node  Node
	outer Env
	hash  uint64
}

func newFilterPredicate(node Node, outer Env) *filterPredicate {
	p := &filterPredicate{node: node, outer: outer}
	p.hash = p.fingerprint()
	return p
}

// EvalRecord implements agg.Predicate.
func (p *filterPredicate) EvalRecord(ctx context.Context, record types.Value) (bool, error) {
	env := &recordEnv{record: record, outer: p.outer}
	return EvalBool(ctx, p.node, env)
}

// Hash implements agg.Predicate.
func (p *filterPredicate) Hash() uint64 { return p.hash }

// fingerprint hashes the canonical filter rendering plus every captured
// outer reference resolved to its current value.
func (p *filterPredicate) fingerprint() uint64 {
	var b strings.Builder
	b.WriteString(p.node.String())

	for _, path := range collectOuterRefs(p.node) {
		b.WriteByte('|')
		b.WriteString(PathString(path))
		b.WriteByte('=')
		v, err := resolveField(path, p.outer)
		if err != nil {
			b.WriteString("!missing")
			continue
		}
		b.WriteString(v.Display())
	}
	return xxhash.Sum64String(b.String())
}

// collectOuterRefs gathers Field paths rooted in the outer scope. The
// tree walk is deterministic, so the order is stable without sorting.
func collectOuterRefs(n Node) [][]PathSegment {
	var refs [][]PathSegment
	Walk(n, func(child Node) {
		if f, ok := child.(*Field); ok && len(f.Path) > 0 && outerRoots[f.Path[0].Key] {
			refs = append(refs, f.Path)
		}
	})
	return refs
}

// recordEnv scopes filter evaluation: record fields first, outer regions
// for event/vars/sys. Nested aggregations inside filters are rejected.
type recordEnv struct {
	record types.Value
	outer  Env
}

func (e *recordEnv) Root(name string) (types.Value, bool) {
	if outerRoots[name] {
		return e.outer.Root(name)
	}
	return e.record.Field(name)
}

func (e *recordEnv) Aggregate(ctx context.Context, q agg.Query) (float64, error) {
	return 0, types.NewEvalError(types.InvalidArguments, q.Metric, "aggregation calls are not allowed inside aggregation filters")
}

func (e *recordEnv) Now() time.Time { return e.outer.Now() }

// Walk visits n and all its descendants in declaration order.
func Walk(n Node, visit func(Node)) {
	if n == nil {
		return
	}
	visit(n)
	switch node := n.(type) {
	case *Not:
		Walk(node.X, visit)
	case *Neg:
		Walk(node.X, visit)
	case *All:
		for _, t := range node.Terms {
			Walk(t, visit)
		}
	case *Any:
		for _, t := range node.Terms {
			Walk(t, visit)
		}
	case *Compare:
		Walk(node.L, visit)
		Walk(node.R, visit)
	case *Arith:
		Walk(node.L, visit)
		Walk(node.R, visit)
	case *In:
		Walk(node.X, visit)
		Walk(node.Set, visit)
	case *Contains:
		Walk(node.X, visit)
		Walk(node.Sub, visit)
	case *Ternary:
		Walk(node.Cond, visit)
		Walk(node.Then, visit)
		Walk(node.Else, visit)
	case *Coalesce:
		Walk(node.L, visit)
		Walk(node.R, visit)
	case *Call:
		for _, a := range node.Args {
			Walk(a, visit)
		}
	case *AggCall:
		Walk(node.Filter, visit)
	}
}
