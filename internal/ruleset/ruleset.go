// Package ruleset implements the decision layer: aggregation of rule
// results (total score, triggered set) and ordered decision-logic
// clauses mapping those aggregates to a final action.
//
// Separation of concerns with the rules package is strict: rules detect,
// rulesets decide. A Decision, once produced, is immutable for the
// synchronous path; only the asynchronous infer callback may later
// replace the recorded action through the decision service.
package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/types"
)

// Clause is one (condition, action) entry in decision logic. Clauses are
// evaluated top-to-bottom and the first match wins. Exactly one clause
// per ruleset must set Default; its absence is a load-time fatal error
// enforced by the registry.
type Clause struct {
	Condition expr.Node // nil only when Default
	Default   bool
	Action    types.Action
	Terminate bool
}

// Ruleset groups rules (by reference, declaration-ordered) with decision
// logic. A rule may belong to multiple rulesets.
type Ruleset struct {
	ID            string
	RuleIDs       []string
	DecisionLogic []Clause
	OnError       rules.OnError // default policy for member rules and clauses
}

// Compiled pairs a ruleset with its resolved, compiled rule set.
type Compiled struct {
	Ruleset
	Set *rules.CompiledSet
}

// Engine evaluates rulesets.
type Engine struct {
	rules  *rules.Engine
	logger *slog.Logger

	// OnDecision is an optional observation hook (metrics).
	OnDecision func(rulesetID, action string)
}

// NewEngine wraps a rule engine.
func NewEngine(ruleEngine *rules.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: ruleEngine, logger: logger}
}

// Evaluate runs the full ruleset: member rules in declared order, then
// decision logic over the aggregated results.
func (e *Engine) Evaluate(ctx context.Context, rs *Compiled, eventType string, env expr.Env) (types.Decision, []types.RuleResult, error) {
	results := e.rules.EvaluateSet(ctx, rs.Set, eventType, env, rs.OnError)

	// A rule that failed under PolicyFail aborts the ruleset
	for _, r := range results {
		if r.Err != nil {
			return types.Decision{}, results, fmt.Errorf("rule %q: %w", r.RuleID, r.Err)
		}
	}

	decision, err := e.Decide(ctx, rs, results, env)
	return decision, results, err
}

// Decide aggregates rule results and selects the first matching decision
// clause. Scores commute: the total is independent of rule order. The
// triggered set keeps declaration order for the audit trace.
func (e *Engine) Decide(ctx context.Context, rs *Compiled, results []types.RuleResult, env expr.Env) (types.Decision, error) {
	var totalScore float64
	var triggered []string
	for _, r := range results {
		if r.Triggered {
			totalScore += r.ScoreContribution
			triggered = append(triggered, r.RuleID)
		}
	}

	decision := types.Decision{
		RulesetID:      rs.ID,
		TotalScore:     totalScore,
		TriggeredRules: triggered,
	}

	scope := newClauseScope(env, totalScore, triggered)

	var defaultClause *Clause
	selected := -1
	for i := range rs.DecisionLogic {
		clause := &rs.DecisionLogic[i]
		if clause.Default {
			defaultClause = clause
			continue
		}

		matched, err := expr.EvalBool(ctx, clause.Condition, scope)
		if err != nil {
			if rs.OnError.Policy == rules.PolicySkip {
				e.logger.Warn("decision clause skipped",
					"ruleset_id", rs.ID, "clause", i, "error", err)
				continue
			}
			return types.Decision{}, fmt.Errorf("decision clause %d: %w", i, err)
		}
		if matched {
			selected = i
			break
		}
	}

	var chosen *Clause
	switch {
	case selected >= 0:
		chosen = &rs.DecisionLogic[selected]
		decision.Reason = fmt.Sprintf("clause %d matched: %s", selected, chosen.Condition)
	case defaultClause != nil:
		chosen = defaultClause
		decision.Reason = "default clause"
	default:
		// Unreachable for registry-built rulesets; guarded for direct use
		return types.Decision{}, types.NewConfigError(rs.ID, "no decision clause matched and no default declared")
	}

	decision.Action = chosen.Action
	if chosen.Action.Kind == types.ActionInfer {
		decision.Interim = true
		decision.DataSnapshot = BuildSnapshot(ctx, *chosen.Action.Snapshot, scope)
	}

	// Without terminate, later infer clauses that also match still get
	// their snapshots captured for async analysis; terminate suppresses
	// that side-effecting pass.
	if !chosen.Terminate && !decision.Interim && selected >= 0 {
		if snap, ok := e.trailingInferSnapshot(ctx, rs, selected, scope); ok {
			decision.DataSnapshot = snap
		}
	}

	if e.OnDecision != nil {
		e.OnDecision(rs.ID, decision.Action.Wire())
	}
	e.logger.Debug("ruleset decided",
		"ruleset_id", rs.ID,
		"action", decision.Action.Wire(),
		"total_score", totalScore,
		"triggered", len(triggered))

	return decision, nil
}

// trailingInferSnapshot evaluates clauses after the selected one looking
// for a matching infer clause whose snapshot should be captured even
// though its action was not selected.
func (e *Engine) trailingInferSnapshot(ctx context.Context, rs *Compiled, after int, scope expr.Env) (types.Value, bool) {
	for i := after + 1; i < len(rs.DecisionLogic); i++ {
		clause := &rs.DecisionLogic[i]
		if clause.Default || clause.Action.Kind != types.ActionInfer {
			continue
		}
		matched, err := expr.EvalBool(ctx, clause.Condition, scope)
		if err != nil || !matched {
			continue
		}
		return BuildSnapshot(ctx, *clause.Action.Snapshot, scope), true
	}
	return types.Null(), false
}

// clauseScope injects the decision-logic locals (total_score,
// triggered_count, triggered_rules) over the execution env.
type clauseScope struct {
	parent expr.Env
	locals map[string]types.Value
}

func newClauseScope(parent expr.Env, totalScore float64, triggered []string) *clauseScope {
	ids := make([]types.Value, len(triggered))
	for i, id := range triggered {
		ids[i] = types.String(id)
	}
	return &clauseScope{
		parent: parent,
		locals: map[string]types.Value{
			"total_score":     types.Number(totalScore),
			"triggered_count": types.Int(len(triggered)),
			"triggered_rules": types.Array(ids...),
		},
	}
}

func (s *clauseScope) Root(name string) (types.Value, bool) {
	if v, ok := s.locals[name]; ok {
		return v, true
	}
	return s.parent.Root(name)
}

func (s *clauseScope) Aggregate(ctx context.Context, q agg.Query) (float64, error) {
	return s.parent.Aggregate(ctx, q)
}

func (s *clauseScope) Now() time.Time { return s.parent.Now() }
