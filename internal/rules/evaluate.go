// internal/rules/evaluate.go
package rules

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Single-rule evaluation.
 *
 * Flow: event-type filter -> conditions as implicit AND with exact
 * short-circuit order -> score contribution. The filter check runs first
 * so rules for other event types cost nothing, and a failed condition
 * stops evaluation before any later (typically more expensive)
 * condition runs.
 *
 * Error policy: the rule's own on_error wins; the ruleset-level policy
 * applies only when the rule declares none (PolicyInherit). Retry is
 * restricted to aggregation timeouts - pure logic errors are
 * deterministic and re-running them cannot change the outcome.
 */

// EvaluateRule checks one rule against the event context.
func EvaluateRule(ctx context.Context, rule *CompiledRule, eventType string, env expr.Env, rulesetPolicy OnError) types.RuleResult {
	start := time.Now()
	result := types.RuleResult{RuleID: rule.ID}

	if !rule.matchesEventType(eventType) {
		result.DurationMicros = time.Since(start).Microseconds()
		return result
	}

	policy := rule.effectivePolicy(rulesetPolicy)

	var triggered bool
	var err error
	if policy.Policy == PolicyRetry {
		triggered, err = retryTimeouts(ctx, policy.MaxRetries, func() (bool, error) {
			return evalConditions(ctx, rule, env)
		})
	} else {
		triggered, err = evalConditions(ctx, rule, env)
	}
	if err != nil {
		triggered = applyOnError(policy, err, &result)
	}

	if triggered {
		result.Triggered = true
		result.ScoreContribution = rule.Score
	}
	result.DurationMicros = time.Since(start).Microseconds()
	return result
}

func (r *CompiledRule) matchesEventType(eventType string) bool {
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// effectivePolicy resolves rule-level override vs ruleset-level default.
func (r *CompiledRule) effectivePolicy(rulesetPolicy OnError) OnError {
	if r.OnError.Policy != PolicyInherit {
		return r.OnError
	}
	if rulesetPolicy.Policy != PolicyInherit {
		return rulesetPolicy
	}
	return OnError{Policy: PolicyFail}
}

// evalConditions runs the implicit AND over conditions in declaration
// order, short-circuiting on the first false. Retryable failures
// (aggregation timeouts under PolicyRetry) are handled per condition so
// a retry never re-runs conditions that already passed.
func evalConditions(ctx context.Context, rule *CompiledRule, env expr.Env) (bool, error) {
	for _, cond := range rule.Conditions {
		ok, err := expr.EvalBool(ctx, cond, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// applyOnError maps an evaluation error to a trigger outcome according
// to the effective policy. Returns the substituted trigger state; the
// result records the skip/error for the audit trail.
func applyOnError(policy OnError, err error, result *types.RuleResult) bool {
	switch policy.Policy {
	case PolicySkip:
		result.Skipped = true
		return false
	case PolicyFallback:
		result.Skipped = true
		return policy.FallbackTriggered
	default:
		result.Err = err
		return false
	}
}

// retryTimeouts wraps an evaluation attempt with bounded exponential
// backoff, retrying only aggregation timeouts.
func retryTimeouts(ctx context.Context, maxRetries int, attempt func() (bool, error)) (bool, error) {
	if maxRetries <= 0 {
		maxRetries = 2
	}

	op := func() (bool, error) {
		ok, err := attempt()
		if err != nil {
			if ee, isEval := types.AsEvalError(err); isEval && ee.Kind == types.AggregationTimeout {
				return false, err // retryable
			}
			return false, backoff.Permanent(err)
		}
		return ok, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	ok, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return false, perm.Unwrap()
		}
		return false, err
	}
	return ok, nil
}
