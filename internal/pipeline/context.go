// internal/pipeline/context.go
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Execution context: the layered, per-execution state bag.
 *
 * Layers, outermost read first:
 *   event    read-only  the input record (meta fields + payload)
 *   vars     read-only  pipeline-scoped constants
 *   sys/env  read-only  process-wide values
 *   context  read-write step outputs keyed by step id, append-only
 *
 * Root resolution order for expressions: reserved roots (event, vars,
 * sys, env, context), then step ids, then bare event payload fields, so
 * a condition can say `device.is_new` without the `event.` prefix.
 *
 * Ownership: one execution owns its Context. Sub-pipelines and parallel
 * branches get a Child with an isolated write region over a read view of
 * the parent; the parent is frozen while children run, so no locking is
 * needed. Children merge back at the designated merge point only.
 */

// Context is the per-execution state bag. Not safe for concurrent
// writers; isolation comes from Child regions, not locks.
type Context struct {
	event     *types.Event
	eventRoot types.Value
	vars      map[string]types.Value
	sys       map[string]types.Value
	provider  agg.Provider
	now       time.Time

	parent  *Context
	outputs map[string]types.Value
	order   []string // write order, drives deterministic merge
}

// NewContext builds the root context for one execution. now is captured
// once so every expression in the execution observes the same clock.
func NewContext(event *types.Event, vars, sys map[string]types.Value, provider agg.Provider, now time.Time) *Context {
	return &Context{
		event:     event,
		eventRoot: eventRoot(event),
		vars:      vars,
		sys:       sys,
		provider:  provider,
		now:       now,
		outputs:   make(map[string]types.Value),
	}
}

// eventRoot merges the payload fields with the envelope meta fields so
// both `event.geo.ip` and `event.type` resolve.
func eventRoot(event *types.Event) types.Value {
	obj := make(map[string]types.Value)
	for _, k := range event.Payload.Keys() {
		v, _ := event.Payload.Field(k)
		obj[k] = v
	}
	obj["id"] = types.String(string(event.ID))
	obj["type"] = types.String(event.Type)
	obj["timestamp"] = types.Int(int(event.Timestamp.Unix()))
	obj["version"] = types.String(event.Version)
	return types.Object(obj)
}

// Child opens an isolated write region over a read view of c. The parent
// must not be written while the child is live.
func (c *Context) Child() *Context {
	return &Context{
		event:     c.event,
		eventRoot: c.eventRoot,
		vars:      c.vars,
		sys:       c.sys,
		provider:  c.provider,
		now:       c.now,
		parent:    c,
		outputs:   make(map[string]types.Value),
	}
}

// Write records a step output. Outputs are append-only by step id;
// rewriting an id is an orchestrator bug surfaced loudly.
func (c *Context) Write(stepID string, v types.Value) error {
	if _, ok := c.lookup(stepID); ok {
		return fmt.Errorf("context key %q already written", stepID)
	}
	c.outputs[stepID] = v
	c.order = append(c.order, stepID)
	return nil
}

// Merge folds a child's write region back, preserving the child's write
// order.
func (c *Context) Merge(child *Context) error {
	for _, id := range child.order {
		if err := c.Write(id, child.outputs[id]); err != nil {
			return err
		}
	}
	return nil
}

// Output returns a step's recorded output, consulting ancestors.
func (c *Context) Output(stepID string) (types.Value, bool) {
	return c.lookup(stepID)
}

func (c *Context) lookup(stepID string) (types.Value, bool) {
	for n := c; n != nil; n = n.parent {
		if v, ok := n.outputs[stepID]; ok {
			return v, true
		}
	}
	return types.Null(), false
}

// contextRoot materializes the full `context` object, ancestors first so
// the resolution a child sees matches what a merge would produce.
func (c *Context) contextRoot() types.Value {
	obj := make(map[string]types.Value)
	var fill func(n *Context)
	fill = func(n *Context) {
		if n == nil {
			return
		}
		fill(n.parent)
		for _, id := range n.order {
			obj[id] = n.outputs[id]
		}
	}
	fill(c)
	return types.Object(obj)
}

// Root implements expr.Env.
func (c *Context) Root(name string) (types.Value, bool) {
	switch name {
	case "event":
		return c.eventRoot, true
	case "vars":
		return types.Object(c.vars), true
	case "sys", "env":
		return types.Object(c.sys), true
	case "context":
		return c.contextRoot(), true
	}
	if v, ok := c.lookup(name); ok {
		return v, true
	}
	// Bare event payload fields: `device.is_new` without the prefix
	return c.event.Field(name)
}

// Aggregate implements expr.Env by delegating to the provider.
func (c *Context) Aggregate(ctx context.Context, q agg.Query) (float64, error) {
	if c.provider == nil {
		return 0, types.NewEvalError(types.InvalidArguments, q.Metric, "no aggregation provider configured")
	}
	return c.provider.Query(ctx, q)
}

// Now implements expr.Env. Fixed per execution.
func (c *Context) Now() time.Time { return c.now }
