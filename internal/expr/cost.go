// internal/expr/cost.go
package expr

/*
 * Static cost model for expressions.
 *
 * cost = sum over nodes of (lookup_cost + operator_cost * multipliers),
 * with 8^n fan-out per wildcard segment and a large constant for
 * aggregation calls (remote round-trip).
 *
 * The estimate drives scheduling only: the rule engine runs expensive
 * independent rules on the worker pool and cheap ones inline, and the
 * validate command surfaces per-rule costs to authors. Costs NEVER
 * reorder conditions - declaration order is the short-circuit contract
 * and authors rely on it to keep expensive checks last.
 */

const (
	// Operator base costs
	CostCompare  = 5
	CostOrdering = 7
	CostIn       = 8
	CostContains = 10
	CostArith    = 3
	CostCall     = 16
	CostExists   = 1

	// Field lookup cost per path segment
	CostLookupPerSegment = 128

	// Remote aggregation round-trip dominates everything local
	CostAggregation = 20000

	// Wildcard fan-out per wildcard segment
	wildcardFanout = 8

	// InlineCostThreshold splits inline evaluation from pooled
	// evaluation in the rule engine.
	InlineCostThreshold = 4096
)

// EstimateCost computes the static evaluation cost of an expression.
// All/any terms are summed (worst case: no short-circuit).
func EstimateCost(n Node) int {
	if n == nil {
		return 0
	}
	cost := 0
	Walk(n, func(child Node) {
		switch node := child.(type) {
		case *Field:
			cost += pathCost(node.Path)
		case *Exists:
			cost += pathCost(node.Path) + CostExists
		case *Compare:
			switch node.Op {
			case CmpEq, CmpNeq:
				cost += CostCompare
			default:
				cost += CostOrdering
			}
		case *Arith:
			cost += CostArith
		case *In:
			cost += CostIn
		case *Contains:
			cost += CostContains
		case *Call:
			cost += CostCall
		case *AggCall:
			cost += CostAggregation
		}
	})
	return cost
}

func pathCost(path []PathSegment) int {
	cost := 0
	fanout := 1
	for _, seg := range path {
		if seg.Wildcard {
			fanout *= wildcardFanout
		}
		cost += CostLookupPerSegment
	}
	return cost * fanout
}
