package types

// ActionKind discriminates decision action variants.
type ActionKind int

const (
	ActionApprove ActionKind = iota
	ActionDeny
	ActionReview
	ActionInfer
	ActionCustom
)

// String returns the wire name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionApprove:
		return "approve"
	case ActionDeny:
		return "deny"
	case ActionReview:
		return "review"
	case ActionInfer:
		return "infer"
	case ActionCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// SnapshotSpec declares which Context/Event sub-paths an infer action
// forwards to the asynchronous cognition collaborator, minus excludes.
type SnapshotSpec struct {
	Paths   []string
	Exclude []string
}

// Action is a tagged variant: Approve | Deny | Review | Infer(snapshot) |
// Custom(name). Infer carries its own payload so the orchestrator routes
// it to the async collaborator without string comparisons.
type Action struct {
	Kind     ActionKind
	Name     string        // custom action name (Kind == ActionCustom)
	Snapshot *SnapshotSpec // Kind == ActionInfer only
}

// Approve, Deny, Review are the built-in terminal actions.
func Approve() Action { return Action{Kind: ActionApprove} }
func Deny() Action    { return Action{Kind: ActionDeny} }
func Review() Action  { return Action{Kind: ActionReview} }

// Infer defers final judgment to async analysis while the synchronous
// path returns an interim result.
func Infer(spec SnapshotSpec) Action {
	return Action{Kind: ActionInfer, Snapshot: &spec}
}

// Custom names a caller-defined action.
func Custom(name string) Action { return Action{Kind: ActionCustom, Name: name} }

// Wire returns the externally visible action string.
func (a Action) Wire() string {
	if a.Kind == ActionCustom {
		return a.Name
	}
	return a.Kind.String()
}

// RuleResult is the transient per-rule outcome, created fresh per event
// and discarded after the owning ruleset consumes it (except audit).
type RuleResult struct {
	RuleID            string
	Triggered         bool
	ScoreContribution float64
	Skipped           bool // on_error: skip was applied
	Err               error
	DurationMicros    int64
}

// Decision is a ruleset's terminal result for one event. Once produced it
// is immutable for the synchronous path; only the async infer callback may
// replace the recorded action.
type Decision struct {
	RulesetID      string
	Action         Action
	Reason         string
	TotalScore     float64
	TriggeredRules []string // declaration order
	Interim        bool     // true when Action.Kind == ActionInfer
	DataSnapshot   Value    // extracted snapshot when an infer clause matched, else Null
}

// EffectiveAction maps infer to the interim action synchronous callers
// observe. The async path never blocks the synchronous path.
func (d Decision) EffectiveAction() Action {
	if d.Action.Kind == ActionInfer {
		return Review()
	}
	return d.Action
}

// ExecutionState is the pipeline execution terminal state.
type ExecutionState int

const (
	ExecInit ExecutionState = iota
	ExecRunning
	ExecCompleted
	ExecFailed
	ExecEarlyExited
)

// String returns the audit-store representation.
func (s ExecutionState) String() string {
	switch s {
	case ExecInit:
		return "init"
	case ExecRunning:
		return "running"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecEarlyExited:
		return "early_exited"
	default:
		return "unknown"
	}
}

// Warning records a step that degraded (skip/fallback) during an
// otherwise successful execution.
type Warning struct {
	StepID string
	Policy string // "skip" or "fallback"
	Msg    string
}

// FinalDecision is the outbound result of one pipeline execution.
type FinalDecision struct {
	ExecutionID    ExecutionID
	PipelineID     string
	EventID        EventID
	Action         Action
	Score          float64
	TriggeredRules []string
	Reason         string
	Confidence     float64 // 0 when not provided by async refinement
	Interim        bool
	State          ExecutionState
	Warnings       []Warning
	DataSnapshot   Value // forwarded async when non-null
}

// DecisionUpdate is the async cognition callback payload applied through
// UpdateDecision(execution_id, new_action, confidence).
type DecisionUpdate struct {
	ExecutionID ExecutionID
	NewAction   Action
	Confidence  float64
	Reason      string
}
