// internal/pipeline/invoker.go
package pipeline

import (
	"context"

	"github.com/verdictlab/verdict/internal/types"
)

// Invoker is an external collaborator behind a call step: a service, a
// third-party API, or an LLM reason endpoint. The request object is
// built from Context values; the response is written back to Context
// under the calling step's id.
//
// Retry, timeout, and circuit-breaker policy live at this boundary (the
// orchestrator applies them around Invoke), never inside the evaluator.
type Invoker interface {
	Invoke(ctx context.Context, args types.Value) (types.Value, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, args types.Value) (types.Value, error)

func (f InvokerFunc) Invoke(ctx context.Context, args types.Value) (types.Value, error) {
	return f(ctx, args)
}

// guardedInvoker wraps an invoker with its circuit breaker.
type guardedInvoker struct {
	name    string
	invoker Invoker
	breaker *Breaker
}

func (g *guardedInvoker) Invoke(ctx context.Context, args types.Value) (types.Value, error) {
	if err := g.breaker.Allow(); err != nil {
		return types.Null(), err
	}
	out, err := g.invoker.Invoke(ctx, args)
	g.breaker.Record(err)
	return out, err
}
