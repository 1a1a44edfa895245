// internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Orchestrator: executes one pipeline per event.
 *
 * State machine per execution: INIT -> RUNNING -> (COMPLETED | FAILED |
 * EARLY_EXITED). A FAILED execution returns a structured StepError, not
 * a partial decision; an execution that completed through skip/fallback
 * policies returns a normal FinalDecision carrying warnings.
 *
 * The whole execution runs under a wall-clock budget; each step boundary
 * checks the budget so a slow step resolves through its error policy
 * instead of stalling the execution.
 */

// RulesetSource resolves ruleset references. Implemented by the registry.
type RulesetSource interface {
	Ruleset(id string) (*ruleset.Compiled, bool)
}

// PipelineSource resolves include references. Implemented by the registry.
type PipelineSource interface {
	Pipeline(id string) (*Pipeline, bool)
}

// Config carries orchestrator construction parameters.
type Config struct {
	Rulesets  RulesetSource
	Pipelines PipelineSource
	Engine    *ruleset.Engine
	Provider  agg.Provider
	Workers   int           // parallel-branch pool bound, default 8
	Budget    time.Duration // default per-execution budget, default 400ms
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Orchestrator executes pipelines. Safe for concurrent Run calls.
type Orchestrator struct {
	rulesets  RulesetSource
	pipelines PipelineSource
	engine    *ruleset.Engine
	provider  agg.Provider
	workers   int
	budget    time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	invokers map[string]*guardedInvoker

	// OnStep is an optional per-step observation hook (metrics).
	OnStep func(pipelineID, stepID, kind string, d time.Duration, err error)
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 400 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		rulesets:  cfg.Rulesets,
		pipelines: cfg.Pipelines,
		engine:    cfg.Engine,
		provider:  cfg.Provider,
		workers:   cfg.Workers,
		budget:    cfg.Budget,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		invokers:  make(map[string]*guardedInvoker),
	}
}

// RegisterInvoker attaches an external collaborator under a name call
// steps reference. Each invoker gets its own circuit breaker.
func (o *Orchestrator) RegisterInvoker(name string, inv Invoker, breaker *Breaker) {
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invokers[name] = &guardedInvoker{name: name, invoker: inv, breaker: breaker}
}

// BreakerState reports an invoker's circuit state (metrics).
func (o *Orchestrator) BreakerState(name string) (BreakerState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.invokers[name]
	if !ok {
		return BreakerClosed, false
	}
	return g.breaker.State(), true
}

func (o *Orchestrator) invoker(name string) (*guardedInvoker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.invokers[name]
	return g, ok
}

// execution is the mutable per-run record. The mutex covers fields that
// parallel branches may touch concurrently.
type execution struct {
	id       types.ExecutionID
	pipeline *Pipeline
	event    *types.Event

	mu       sync.Mutex
	warnings []types.Warning
	decision *types.Decision
	results  []types.RuleResult
}

func (e *execution) warn(stepID, policy string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, types.Warning{StepID: stepID, Policy: policy, Msg: err.Error()})
}

func (e *execution) setDecision(d types.Decision, results []types.RuleResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decision = &d
	e.results = results
}

// exitSignal unwinds the step stack when an early-exit step fires.
type exitSignal struct {
	action types.Action
	reason string
}

func (s *exitSignal) Error() string { return "early exit: " + s.reason }

// Run executes the pipeline against one event and produces the final
// decision. The returned error is always a *types.StepError or
// *types.ConfigError when non-nil.
func (o *Orchestrator) Run(ctx context.Context, p *Pipeline, event *types.Event) (types.FinalDecision, error) {
	execID := types.NewExecutionID()
	now := o.clock()

	budget := p.Budget
	if budget <= 0 {
		budget = o.budget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	sys := map[string]types.Value{
		"execution_id": types.String(string(execID)),
		"pipeline_id":  types.String(p.ID),
		"now":          types.Int(int(now.Unix())),
	}
	ectx := NewContext(event, p.Vars, sys, o.provider, now)
	exec := &execution{id: execID, pipeline: p, event: event}

	start := o.clock()
	err := o.runSteps(ctx, p.Steps, ectx, exec, 0)

	fd := types.FinalDecision{
		ExecutionID: execID,
		PipelineID:  p.ID,
		EventID:     event.ID,
		Warnings:    exec.warnings,
	}

	var sig *exitSignal
	switch {
	case errors.As(err, &sig):
		fd.State = types.ExecEarlyExited
		fd.Action = sig.action
		fd.Reason = sig.reason
		if exec.decision != nil {
			fd.Score = exec.decision.TotalScore
			fd.TriggeredRules = exec.decision.TriggeredRules
		}
	case err != nil:
		fd.State = types.ExecFailed
		o.logger.Error("pipeline execution failed",
			"pipeline_id", p.ID,
			"execution_id", execID,
			"duration", o.clock().Sub(start),
			"error", err)
		return fd, err
	case exec.decision != nil:
		d := exec.decision
		fd.State = types.ExecCompleted
		fd.Action = d.EffectiveAction()
		fd.Score = d.TotalScore
		fd.TriggeredRules = d.TriggeredRules
		fd.Reason = d.Reason
		fd.Interim = d.Interim
		fd.DataSnapshot = d.DataSnapshot
	default:
		// No ruleset ran on this path. Review is the safe answer for a
		// pipeline that produced no verdict of its own.
		fd.State = types.ExecCompleted
		fd.Action = types.Review()
		fd.Reason = "pipeline produced no decision"
	}

	o.logger.Info("pipeline execution finished",
		"pipeline_id", p.ID,
		"execution_id", execID,
		"state", fd.State.String(),
		"action", fd.Action.Wire(),
		"score", fd.Score,
		"duration", o.clock().Sub(start),
		"warnings", len(fd.Warnings))
	return fd, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, steps []Step, ectx *Context, exec *execution, depth int) error {
	if depth > types.MaxPipelineDepth {
		return &types.StepError{
			Code: types.CodeEvalFailed,
			Err:  fmt.Errorf("include depth exceeds %d", types.MaxPipelineDepth),
		}
	}
	for i := range steps {
		step := &steps[i]
		if ctx.Err() != nil {
			return &types.StepError{Code: types.CodeBudgetExceeded, StepID: step.ID, Err: ctx.Err()}
		}
		if err := o.runStep(ctx, step, ectx, exec, depth); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, step *Step, ectx *Context, exec *execution, depth int) error {
	start := o.clock()
	err := o.dispatch(ctx, step, ectx, exec, depth)
	d := o.clock().Sub(start)

	if o.OnStep != nil {
		o.OnStep(exec.pipeline.ID, step.ID, step.Kind(), d, err)
	}
	var sig *exitSignal
	if err == nil || !errors.As(err, &sig) {
		o.logger.Debug("step finished",
			"pipeline_id", exec.pipeline.ID,
			"step_id", step.ID,
			"kind", step.Kind(),
			"duration", d,
			"failed", err != nil)
	}
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, step *Step, ectx *Context, exec *execution, depth int) error {
	if step.If != nil {
		ok, err := expr.EvalBool(ctx, step.If, ectx)
		if err != nil {
			return o.absorb(step, ectx, exec, err)
		}
		if !ok {
			return nil
		}
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	switch {
	case step.Exit != nil:
		return &exitSignal{action: step.Exit.Action, reason: step.Exit.Reason}

	case step.Include != "":
		inc, ok := o.pipelines.Pipeline(step.Include)
		if !ok {
			return &types.StepError{Code: types.CodeEvalFailed, StepID: step.ID,
				Err: types.NewConfigError(step.ID, "include references unknown pipeline %q", step.Include)}
		}
		// Spliced inline: included steps share this context
		return o.runSteps(stepCtx, inc.Steps, ectx, exec, depth+1)

	case step.Branch != nil:
		return o.runBranch(stepCtx, step, ectx, exec, depth)

	case step.Parallel != nil:
		return o.runParallel(stepCtx, step, ectx, exec, depth)

	default:
		out, err := o.produce(stepCtx, step, ectx, exec)
		if err != nil {
			if stepCtx.Err() != nil && ctx.Err() == nil {
				err = &types.StepError{Code: types.CodeStepTimeout, StepID: step.ID, Retryable: true, Err: err}
			}
			return o.absorb(step, ectx, exec, err)
		}
		return o.write(step.ID, out, ectx)
	}
}

// produce executes an output-producing step kind (call, aggregate,
// ruleset include), applying the retry policy when declared.
func (o *Orchestrator) produce(ctx context.Context, step *Step, ectx *Context, exec *execution) (types.Value, error) {
	attempt := func() (types.Value, error) {
		switch {
		case step.Call != nil:
			return o.callInvoker(ctx, step, ectx)
		case step.Aggregate != nil:
			return evalAggregate(step.Aggregate, ectx)
		case step.Ruleset != "":
			return o.runRuleset(ctx, step, ectx, exec)
		default:
			return types.Null(), types.NewConfigError(step.ID, "step has no kind")
		}
	}

	if step.OnError.Policy != rules.PolicyRetry {
		return attempt()
	}
	return retryStep(ctx, step.OnError.MaxRetries, attempt)
}

// retryStep re-attempts I/O-bound failures with bounded exponential
// backoff. Deterministic evaluation errors are permanent.
func retryStep(ctx context.Context, maxRetries int, attempt func() (types.Value, error)) (types.Value, error) {
	if maxRetries <= 0 {
		maxRetries = 2
	}

	op := func() (types.Value, error) {
		out, err := attempt()
		if err != nil && !retryable(err) {
			return types.Null(), backoff.Permanent(err)
		}
		return out, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return types.Null(), perm.Unwrap()
		}
		return types.Null(), err
	}
	return out, nil
}

// retryable reports whether re-attempting can change the outcome: only
// I/O-bound failures qualify, pure logic errors are deterministic.
func retryable(err error) bool {
	if ee, ok := types.AsEvalError(err); ok {
		return ee.Kind == types.AggregationTimeout
	}
	var ce *types.ConfigError
	if errors.As(err, &ce) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}

func (o *Orchestrator) callInvoker(ctx context.Context, step *Step, ectx *Context) (types.Value, error) {
	g, ok := o.invoker(step.Call.Invoker)
	if !ok {
		return types.Null(), types.NewConfigError(step.ID, "unknown invoker %q", step.Call.Invoker)
	}

	args := make(map[string]types.Value, len(step.Call.Args))
	for name, node := range step.Call.Args {
		v, err := expr.Evaluate(ctx, node, ectx)
		if err != nil {
			return types.Null(), err
		}
		args[name] = v
	}
	return g.Invoke(ctx, types.Object(args))
}

func (o *Orchestrator) runRuleset(ctx context.Context, step *Step, ectx *Context, exec *execution) (types.Value, error) {
	rs, ok := o.rulesets.Ruleset(step.Ruleset)
	if !ok {
		return types.Null(), types.NewConfigError(step.ID, "include references unknown ruleset %q", step.Ruleset)
	}
	decision, results, err := o.engine.Evaluate(ctx, rs, exec.event.Type, ectx)
	if err != nil {
		return types.Null(), err
	}
	// Latest ruleset decision is the tentative final decision
	exec.setDecision(decision, results)
	return decisionValue(decision), nil
}

// decisionValue projects a Decision into the context so later steps can
// condition on it (`context.<step_id>.total_score`).
func decisionValue(d types.Decision) types.Value {
	triggered := make([]types.Value, len(d.TriggeredRules))
	for i, id := range d.TriggeredRules {
		triggered[i] = types.String(id)
	}
	return types.Object(map[string]types.Value{
		"action":          types.String(d.EffectiveAction().Wire()),
		"reason":          types.String(d.Reason),
		"total_score":     types.Number(d.TotalScore),
		"triggered_rules": types.Array(triggered...),
		"interim":         types.Bool(d.Interim),
	})
}

// evalAggregate combines numeric fields from named context entries.
func evalAggregate(spec *AggregateSpec, ectx *Context) (types.Value, error) {
	nums := make([]float64, 0, len(spec.Sources))
	for _, src := range spec.Sources {
		out, ok := ectx.Output(src)
		if !ok {
			return types.Null(), types.NewEvalError(types.FieldNotFound, "context."+src,
				"aggregate source has not produced output")
		}
		if spec.Field != "" {
			f, found := out.Field(spec.Field)
			if !found {
				return types.Null(), types.NewEvalError(types.FieldNotFound,
					"context."+src+"."+spec.Field, "aggregate field missing")
			}
			out = f
		}
		n, ok := out.AsNumber()
		if !ok {
			return types.Null(), types.NewEvalError(types.TypeMismatch, "context."+src,
				"aggregate source is not a number")
		}
		nums = append(nums, n)
	}

	var total float64
	switch spec.Method {
	case AggMax:
		total = nums[0]
		for _, n := range nums[1:] {
			if n > total {
				total = n
			}
		}
	case AggWeighted:
		for i, n := range nums {
			total += n * spec.Weights[spec.Sources[i]]
		}
	default:
		for _, n := range nums {
			total += n
		}
	}
	return types.Number(total), nil
}

// runBranch evaluates when clauses top-to-bottom and executes the first
// matching arm in an isolated region merged back on completion. No match
// and no default is a no-op pass-through.
func (o *Orchestrator) runBranch(ctx context.Context, step *Step, ectx *Context, exec *execution, depth int) error {
	arm := step.Branch.Default
	for i := range step.Branch.Cases {
		c := &step.Branch.Cases[i]
		ok, err := expr.EvalBool(ctx, c.When, ectx)
		if err != nil {
			return o.absorb(step, ectx, exec, err)
		}
		if ok {
			arm = c.Steps
			break
		}
	}
	if arm == nil {
		return nil
	}

	child := ectx.Child()
	if err := o.runSteps(ctx, arm, child, exec, depth+1); err != nil {
		return err
	}
	return mergeChild(step.ID, ectx, child)
}

func mergeChild(stepID string, parent, child *Context) error {
	if err := parent.Merge(child); err != nil {
		return &types.StepError{Code: types.CodeMergeFailed, StepID: stepID, Err: err}
	}
	return nil
}

// absorb applies the step's on_error policy to a failure. Retry has
// already happened inside produce; anything still failing under retry
// propagates.
func (o *Orchestrator) absorb(step *Step, ectx *Context, exec *execution, err error) error {
	var se *types.StepError

	switch step.OnError.Policy {
	case rules.PolicySkip:
		exec.warn(step.ID, "skip", err)
		return nil
	case rules.PolicyFallback:
		exec.warn(step.ID, "fallback", err)
		return o.write(step.ID, step.OnError.Fallback, ectx)
	default:
		if errors.As(err, &se) {
			return se
		}
		code, retriable := classify(err)
		return &types.StepError{Code: code, StepID: step.ID, Retryable: retriable, Err: err}
	}
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return types.CodeCircuitOpen, true
	case errors.Is(err, context.DeadlineExceeded):
		return types.CodeStepTimeout, true
	}
	if ee, ok := types.AsEvalError(err); ok {
		return types.CodeEvalFailed, ee.Kind == types.AggregationTimeout
	}
	var ce *types.ConfigError
	if errors.As(err, &ce) {
		return types.CodeEvalFailed, false
	}
	return types.CodeExternalFailed, true
}

func (o *Orchestrator) write(stepID string, out types.Value, ectx *Context) error {
	if err := ectx.Write(stepID, out); err != nil {
		return &types.StepError{Code: types.CodeMergeFailed, StepID: stepID, Err: err}
	}
	return nil
}
