// internal/pipeline/parallel.go
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Parallel block execution.
 *
 * Every branch runs in its own goroutine with an isolated Context write
 * region; the shared Context is touched only at the merge point, after
 * every branch goroutine has returned. That last part matters: losers of
 * an `any` race still hold read references to the parent region, so the
 * merge must not start while any branch is live.
 *
 * Merge strategies:
 *   all       wait for every branch, fail if any branch failed
 *   any       first success wins, siblings are cancelled, only the
 *             winner's outputs are merged
 *   majority  complete once strictly more than half succeeded; the
 *             succeeded branches' outputs are merged
 *
 * Branch goroutines are bounded by the orchestrator worker pool.
 */

type branchResult struct {
	idx   int
	child *Context
	err   error
}

func (o *Orchestrator) runParallel(ctx context.Context, step *Step, ectx *Context, exec *execution, depth int) error {
	spec := step.Parallel
	n := len(spec.Steps)
	if n == 0 {
		return nil
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, o.workers)
	resCh := make(chan branchResult, n)
	for i := range spec.Steps {
		go func(i int) {
			sem <- struct{}{}
			defer func() { <-sem }()
			child := ectx.Child()
			err := o.runStep(pctx, &spec.Steps[i], child, exec, depth+1)
			resCh <- branchResult{idx: i, child: child, err: err}
		}(i)
	}

	results := make([]branchResult, n)
	received := 0
	succeeded := 0
	winner := -1
	quorum := n/2 + 1

	for received < n {
		r := <-resCh
		results[r.idx] = r
		received++

		if r.err == nil {
			succeeded++
			switch spec.Merge {
			case MergeAny:
				if winner < 0 {
					winner = r.idx
					cancel() // losers stop; keep draining until all returned
				}
			case MergeMajority:
				if succeeded == quorum {
					cancel()
				}
			}
		}
		var sig *exitSignal
		if errors.As(r.err, &sig) {
			cancel()
		}
	}

	// An early exit anywhere in the block terminates the execution;
	// lowest branch index wins for determinism.
	for i := range results {
		var sig *exitSignal
		if errors.As(results[i].err, &sig) {
			return results[i].err
		}
	}

	switch spec.Merge {
	case MergeAny:
		if winner < 0 {
			return o.absorb(step, ectx, exec, firstFailure(results, step.ID))
		}
		return mergeChild(step.ID, ectx, results[winner].child)

	case MergeMajority:
		if succeeded < quorum {
			return o.absorb(step, ectx, exec, &types.StepError{
				Code:   types.CodeMergeFailed,
				StepID: step.ID,
				Err:    fmt.Errorf("majority merge: %d of %d branches succeeded, need %d", succeeded, n, quorum),
			})
		}
		for i := range results {
			if results[i].err != nil {
				continue
			}
			if err := mergeChild(step.ID, ectx, results[i].child); err != nil {
				return err
			}
		}
		return nil

	default: // MergeAll
		if err := firstFailureOrNil(results); err != nil {
			return o.absorb(step, ectx, exec, err)
		}
		// Declaration order, so the merged view is deterministic
		for i := range results {
			if err := mergeChild(step.ID, ectx, results[i].child); err != nil {
				return err
			}
		}
		return nil
	}
}

func firstFailureOrNil(results []branchResult) error {
	for i := range results {
		if results[i].err != nil {
			return results[i].err
		}
	}
	return nil
}

func firstFailure(results []branchResult, stepID string) error {
	if err := firstFailureOrNil(results); err != nil {
		return err
	}
	return &types.StepError{Code: types.CodeMergeFailed, StepID: stepID,
		Err: errors.New("no branch succeeded")}
}
