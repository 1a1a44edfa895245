// Package rules implements the detection layer: atomic condition-set-plus-
// score rules evaluated against one event's context.
//
// Rules never decide actions; they contribute trigger/score results that
// the ruleset layer aggregates. Compilation validates resource limits and
// resolves the depends_on partial order up front so evaluation never
// discovers configuration errors at runtime.
package rules

import (
	"github.com/verdictlab/verdict/internal/expr"
)

// ErrorPolicy governs propagation of evaluation errors.
type ErrorPolicy int

const (
	// PolicyInherit defers to the enclosing ruleset's policy.
	PolicyInherit ErrorPolicy = iota
	// PolicyFail aborts the rule and propagates the error upward.
	PolicyFail
	// PolicySkip records the rule as skipped (not triggered).
	PolicySkip
	// PolicyFallback substitutes the declared fallback trigger outcome.
	PolicyFallback
	// PolicyRetry re-attempts a bounded number of times with backoff.
	// Only aggregation timeouts are retried; pure logic errors are
	// deterministic and re-running them cannot change the outcome.
	PolicyRetry
)

// String returns the declarative policy name.
func (p ErrorPolicy) String() string {
	switch p {
	case PolicyInherit:
		return "inherit"
	case PolicyFail:
		return "fail"
	case PolicySkip:
		return "skip"
	case PolicyFallback:
		return "fallback"
	case PolicyRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// OnError is a rule's declared error handling.
type OnError struct {
	Policy            ErrorPolicy
	FallbackTriggered bool // PolicyFallback: outcome to substitute
	MaxRetries        int  // PolicyRetry: additional attempts (default 2)
}

// Rule is an immutable detector definition: event filter, ordered
// condition list (implicit AND), and score contribution.
type Rule struct {
	ID         string
	Name       string
	EventTypes []string // empty matches every event type
	Conditions []expr.Node
	Score      float64 // may be negative
	DependsOn  []string
	OnError    OnError
}

// CompiledRule is a validated rule ready for evaluation.
type CompiledRule struct {
	Rule
	Cost  int // static cost estimate over all conditions
	Level int // topological level in the depends_on partial order
}

// Expensive reports whether the rule should be scheduled on the worker
// pool rather than evaluated inline.
func (r *CompiledRule) Expensive() bool {
	return r.Cost > expr.InlineCostThreshold
}
