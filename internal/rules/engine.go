// internal/rules/engine.go
package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Rule engine: evaluates a compiled set against one event context.
 *
 * Scheduling follows the depends_on partial order: rules are evaluated
 * level by level, and within a level independent rules may run
 * concurrently on a bounded worker pool. Cheap rules (below the inline
 * cost threshold) are evaluated inline in declaration order; only
 * expensive rules (aggregation calls, wide wildcard paths) pay the
 * goroutine cost. Results always come back in declaration order, so the
 * audit trace is stable regardless of scheduling.
 *
 * Completed results are exposed to later levels under the `rules.<id>`
 * scope, which is what makes depends_on useful: a dependent rule can
 * condition on `rules.velocity_check.triggered`.
 */

// Engine evaluates compiled rule sets.
type Engine struct {
	workers int
	logger  *slog.Logger

	// OnResult is an optional observation hook invoked once per rule
	// result in declaration order (metrics).
	OnResult func(ruleID string, triggered bool, d time.Duration)
}

// NewEngine creates an engine with a bounded evaluation pool.
func NewEngine(workers int, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{workers: workers, logger: logger}
}

// EvaluateSet evaluates every rule of the set in the declared order
// (level by level for dependencies) and returns results in declaration
// order. Per-rule failures are absorbed by each rule's error policy; a
// PolicyFail error is reported on the result, not returned, so one bad
// rule cannot hide the results of the others - the ruleset layer decides
// what a failed rule means.
func (e *Engine) EvaluateSet(ctx context.Context, set *CompiledSet, eventType string, env expr.Env, rulesetPolicy OnError) []types.RuleResult {
	results := make([]types.RuleResult, len(set.Rules))
	completed := make(map[string]types.Value, len(set.Rules))

	sem := make(chan struct{}, e.workers)

	for level := 0; level < set.Levels; level++ {
		levelEnv := &ruleScopeEnv{parent: env, results: completed}

		var wg sync.WaitGroup
		for i, rule := range set.Rules {
			if rule.Level != level {
				continue
			}

			if !rule.Expensive() {
				results[i] = EvaluateRule(ctx, rule, eventType, levelEnv, rulesetPolicy)
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(i int, rule *CompiledRule) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = EvaluateRule(ctx, rule, eventType, levelEnv, rulesetPolicy)
			}(i, rule)
		}
		wg.Wait()

		// Publish this level's results before the next level reads them
		for i, rule := range set.Rules {
			if rule.Level != level {
				continue
			}
			completed[rule.ID] = resultValue(results[i])
		}
	}

	for i, r := range results {
		if r.Err != nil {
			e.logger.Warn("rule evaluation failed",
				"rule_id", r.RuleID, "error", r.Err)
		}
		if e.OnResult != nil {
			e.OnResult(r.RuleID, r.Triggered, time.Duration(results[i].DurationMicros)*time.Microsecond)
		}
	}
	return results
}

func resultValue(r types.RuleResult) types.Value {
	return types.Object(map[string]types.Value{
		"triggered": types.Bool(r.Triggered),
		"score":     types.Number(r.ScoreContribution),
		"skipped":   types.Bool(r.Skipped),
	})
}

// ruleScopeEnv layers completed rule results over the execution env.
// The map is never mutated while a level is in flight.
type ruleScopeEnv struct {
	parent  expr.Env
	results map[string]types.Value
}

func (e *ruleScopeEnv) Root(name string) (types.Value, bool) {
	if name == "rules" {
		return types.Object(e.results), true
	}
	return e.parent.Root(name)
}

func (e *ruleScopeEnv) Aggregate(ctx context.Context, q agg.Query) (float64, error) {
	return e.parent.Aggregate(ctx, q)
}

func (e *ruleScopeEnv) Now() time.Time { return e.parent.Now() }
