package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across engine components.
var (
	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrTooManyInValues indicates an in/not_in list exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("membership list has too many values")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrExecutionNotFound indicates an unknown execution id on the
	// decision-update callback path.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrDecisionFinal indicates a callback tried to replace a decision
	// that was never interim.
	ErrDecisionFinal = errors.New("decision is final and cannot be replaced")
)

// EvalErrorKind classifies expression evaluation failures.
type EvalErrorKind int

const (
	// FieldNotFound: a required field is missing and no null-safe
	// operator covers the access.
	FieldNotFound EvalErrorKind = iota
	// TypeMismatch: operands resolved to incompatible variants.
	TypeMismatch
	// InvalidArguments: a function was called with wrong arity or types.
	InvalidArguments
	// AggregationTimeout: the aggregation provider exceeded its budget.
	AggregationTimeout
)

// String returns the canonical kind name.
func (k EvalErrorKind) String() string {
	switch k {
	case FieldNotFound:
		return "field_not_found"
	case TypeMismatch:
		return "type_mismatch"
	case InvalidArguments:
		return "invalid_arguments"
	case AggregationTimeout:
		return "aggregation_timeout"
	default:
		return "unknown"
	}
}

// EvalError is raised during a single expression evaluation. Propagation
// is decided by the enclosing construct's on_error policy, never here.
type EvalError struct {
	Kind EvalErrorKind
	Path string // expression path or field path that failed
	Msg  string
}

func (e *EvalError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s at %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Msg)
}

// NewEvalError constructs an EvalError with a formatted message.
func NewEvalError(kind EvalErrorKind, path, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// AsEvalError unwraps err to an *EvalError if one is in the chain.
func AsEvalError(err error) (*EvalError, bool) {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// ConfigError is a fatal load-time error (cyclic rule dependency, missing
// default decision clause, unresolvable reference). It blocks activation
// of the offending definition and is never retried.
type ConfigError struct {
	Ref string // id of the offending rule/ruleset/pipeline/step
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Ref == "" {
		return "config error: " + e.Msg
	}
	return fmt.Sprintf("config error in %q: %s", e.Ref, e.Msg)
}

// NewConfigError constructs a ConfigError with a formatted message.
func NewConfigError(ref, format string, args ...any) *ConfigError {
	return &ConfigError{Ref: ref, Msg: fmt.Sprintf(format, args...)}
}

// StepError is the structured failure a FAILED pipeline execution returns
// instead of a partial decision.
type StepError struct {
	Code      string // stable machine-readable code
	StepID    string // step whose on_error policy propagated the failure
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed (%s): %v", e.StepID, e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Step error codes.
const (
	CodeEvalFailed     = "eval_failed"
	CodeExternalFailed = "external_failed"
	CodeStepTimeout    = "step_timeout"
	CodeBudgetExceeded = "budget_exceeded"
	CodeCircuitOpen    = "circuit_open"
	CodeMergeFailed    = "merge_failed"
)
