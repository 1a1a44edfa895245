// Package pipeline implements the orchestration layer: a declarative DAG
// of steps wiring feature extraction, external calls, and ruleset
// evaluation into one auditable decision per event.
//
// Definitions (Pipeline, Step) are immutable after load; execution state
// lives entirely in the per-execution Context and execution record.
package pipeline

import (
	"time"

	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/types"
)

// MergeStrategy governs how a parallel block combines branch outcomes.
// "fastest" is normalized to MergeAny at load time.
type MergeStrategy int

const (
	// MergeAll waits for every branch; a failed required branch fails the
	// block.
	MergeAll MergeStrategy = iota
	// MergeAny completes on the first success and cancels the rest.
	MergeAny
	// MergeMajority completes once strictly more than half succeed.
	MergeMajority
)

// String returns the declarative strategy name.
func (m MergeStrategy) String() string {
	switch m {
	case MergeAll:
		return "all"
	case MergeAny:
		return "any"
	case MergeMajority:
		return "majority"
	default:
		return "unknown"
	}
}

// AggMethod is an aggregate step's combination method.
type AggMethod int

const (
	AggSum AggMethod = iota
	AggMax
	AggWeighted
)

// String returns the declarative method name.
func (m AggMethod) String() string {
	switch m {
	case AggSum:
		return "sum"
	case AggMax:
		return "max"
	case AggWeighted:
		return "weighted"
	default:
		return "unknown"
	}
}

// OnError is a step's declared error handling. The policy enum is shared
// with the rules layer; PolicyInherit on a step means PolicyFail.
type OnError struct {
	Policy     rules.ErrorPolicy
	Fallback   types.Value // PolicyFallback: output substituted for the step
	MaxRetries int         // PolicyRetry: additional attempts (default 2)
}

// CallSpec invokes a named external collaborator (service, API, LLM
// reason step). Args are evaluated against the Context at call time and
// passed as one object.
type CallSpec struct {
	Invoker string
	Args    map[string]expr.Node
}

// BranchCase is one (condition, sub-pipeline) arm of a branch step.
type BranchCase struct {
	When  expr.Node
	Steps []Step
}

// BranchSpec selects the first matching arm top-to-bottom. With no match
// and no default the step is a no-op pass-through.
type BranchSpec struct {
	Cases   []BranchCase
	Default []Step
}

// ParallelSpec runs child steps concurrently in isolated write regions.
type ParallelSpec struct {
	Steps []Step
	Merge MergeStrategy
}

// AggregateSpec combines numeric values from named context entries into
// one number stored at the aggregate step's own key. Field selects a
// sub-field of each source output ("score"); empty means the output
// itself must be a number. Weighted sources missing from Weights default
// to weight 0.
type AggregateSpec struct {
	Method  AggMethod
	Sources []string
	Field   string
	Weights map[string]float64
}

// ExitSpec terminates the whole execution when the step's guard is true,
// skipping all later steps.
type ExitSpec struct {
	Action types.Action
	Reason string
}

// Step is one immutable node of a pipeline. Exactly one of the kind
// fields is set; the registry validates this.
type Step struct {
	ID      string
	If      expr.Node // optional guard; false skips the step entirely
	Timeout time.Duration
	OnError OnError

	Call      *CallSpec
	Branch    *BranchSpec
	Parallel  *ParallelSpec
	Aggregate *AggregateSpec
	Ruleset   string // include (ruleset): run it, record its Decision
	Include   string // include (pipeline): splice its steps inline
	Exit      *ExitSpec
}

// Kind returns the step's discriminator for traces and errors.
func (s *Step) Kind() string {
	switch {
	case s.Call != nil:
		return "call"
	case s.Branch != nil:
		return "branch"
	case s.Parallel != nil:
		return "parallel"
	case s.Aggregate != nil:
		return "aggregate"
	case s.Ruleset != "":
		return "ruleset"
	case s.Include != "":
		return "include"
	case s.Exit != nil:
		return "early_exit"
	default:
		return "invalid"
	}
}

// Pipeline is an immutable ordered step list.
type Pipeline struct {
	ID     string
	Vars   map[string]types.Value
	Steps  []Step
	Budget time.Duration // wall-clock budget; 0 uses the orchestrator default
}
