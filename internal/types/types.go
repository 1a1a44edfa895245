// Package types provides domain models shared across Verdict components.
//
// Zero-dependency core: value.go and errors.go use only the standard
// library so the expression evaluator and engines stay free of transport
// and storage concerns. ID utilities in ids.go import uuid but are
// isolated for selective inclusion.
//
// The Value tagged union replaces dynamic any-typed traversal: every
// operator pattern-matches on explicit variants and surfaces TypeMismatch
// instead of silently coercing.
package types

import "time"

// Event is the immutable input record for one decision request.
// Constructed at ingress, read-only for the duration of one pipeline
// execution. The payload carries the validated, type-coerced structure
// (user/device/geo/session plus event-type fields) as a Value object.
type Event struct {
	ID        EventID
	Type      string
	Timestamp time.Time
	Version   string
	Payload   Value // object; includes entity sub-objects
}

// Field resolves a top-level payload field.
func (e *Event) Field(name string) (Value, bool) {
	return e.Payload.Field(name)
}

// Resource limits enforced at rule/pipeline load time to bound evaluation
// cost. Violations are ConfigErrors, never runtime conditions.
const (
	// MaxPathDepth prevents stack overflow during recursive path resolution.
	// 16 levels handles deeply nested payloads without degradation.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion in aggregation filter
	// paths. 2 wildcards allow patterns like items[*].prices[*] without
	// exponential fan-out.
	MaxNestedWildcards = 2

	// MaxInOperatorValues limits in/not_in list size to prevent quadratic
	// comparison cost. 64 values supports enum-style membership checks.
	MaxInOperatorValues = 64

	// MaxSnapshotPaths bounds the number of paths an infer data snapshot
	// may declare.
	MaxSnapshotPaths = 64

	// MaxPipelineDepth bounds include nesting; deeper chains are almost
	// certainly authoring mistakes and risk unbounded splice expansion.
	MaxPipelineDepth = 8
)
