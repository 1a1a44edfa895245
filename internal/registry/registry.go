// Package registry builds the immutable definition registry: rules,
// rulesets, and pipelines addressable by id, validated as a unit at load
// time and injected by reference into the engines. There is no mutable
// process-wide lookup; swapping definitions means building a new
// registry.
package registry

import (
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

// Definitions is the loader's output: everything one registry build
// consumes.
type Definitions struct {
	Rules     []*rules.Rule
	Rulesets  []*ruleset.Ruleset
	Pipelines []*pipeline.Pipeline
}

// Registry is the immutable definition set. Safe for concurrent reads.
type Registry struct {
	rules     map[string]*rules.Rule
	rulesets  map[string]*ruleset.Compiled
	pipelines map[string]*pipeline.Pipeline
}

// Ruleset implements pipeline.RulesetSource.
func (r *Registry) Ruleset(id string) (*ruleset.Compiled, bool) {
	rs, ok := r.rulesets[id]
	return rs, ok
}

// Pipeline implements pipeline.PipelineSource.
func (r *Registry) Pipeline(id string) (*pipeline.Pipeline, bool) {
	p, ok := r.pipelines[id]
	return p, ok
}

// Rule returns a rule definition by id.
func (r *Registry) Rule(id string) (*rules.Rule, bool) {
	rule, ok := r.rules[id]
	return rule, ok
}

// RulesetIDs lists registered ruleset ids (validation output).
func (r *Registry) RulesetIDs() []string { return keys(r.rulesets) }

// PipelineIDs lists registered pipeline ids.
func (r *Registry) PipelineIDs() []string { return keys(r.pipelines) }

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Build validates the definitions as a unit and produces the registry.
// Every reported problem is a ConfigError: unresolvable references,
// missing default decision clauses, dependency and include cycles,
// duplicate ids. A definition set that builds is safe to activate.
func Build(defs Definitions) (*Registry, error) {
	r := &Registry{
		rules:     make(map[string]*rules.Rule, len(defs.Rules)),
		rulesets:  make(map[string]*ruleset.Compiled, len(defs.Rulesets)),
		pipelines: make(map[string]*pipeline.Pipeline, len(defs.Pipelines)),
	}

	for _, rule := range defs.Rules {
		if rule.ID == "" {
			return nil, types.NewConfigError("", "rule without id")
		}
		if _, dup := r.rules[rule.ID]; dup {
			return nil, types.NewConfigError(rule.ID, "duplicate rule id")
		}
		r.rules[rule.ID] = rule
	}

	for _, rs := range defs.Rulesets {
		compiled, err := buildRuleset(r, rs)
		if err != nil {
			return nil, err
		}
		if _, dup := r.rulesets[rs.ID]; dup {
			return nil, types.NewConfigError(rs.ID, "duplicate ruleset id")
		}
		r.rulesets[rs.ID] = compiled
	}

	for _, p := range defs.Pipelines {
		if p.ID == "" {
			return nil, types.NewConfigError("", "pipeline without id")
		}
		if _, dup := r.pipelines[p.ID]; dup {
			return nil, types.NewConfigError(p.ID, "duplicate pipeline id")
		}
		r.pipelines[p.ID] = p
	}

	for _, p := range defs.Pipelines {
		if err := validateSteps(r, p.ID, p.Steps, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	if err := checkIncludeCycles(r); err != nil {
		return nil, err
	}

	return r, nil
}

func buildRuleset(r *Registry, rs *ruleset.Ruleset) (*ruleset.Compiled, error) {
	if rs.ID == "" {
		return nil, types.NewConfigError("", "ruleset without id")
	}

	members := make([]*rules.Rule, 0, len(rs.RuleIDs))
	for _, id := range rs.RuleIDs {
		rule, ok := r.rules[id]
		if !ok {
			return nil, types.NewConfigError(rs.ID, "references unknown rule %q", id)
		}
		members = append(members, rule)
	}

	set, err := rules.CompileSet(members)
	if err != nil {
		return nil, err
	}

	if err := validateDecisionLogic(rs); err != nil {
		return nil, err
	}

	return &ruleset.Compiled{Ruleset: *rs, Set: set}, nil
}

func validateDecisionLogic(rs *ruleset.Ruleset) error {
	if len(rs.DecisionLogic) == 0 {
		return types.NewConfigError(rs.ID, "ruleset has no decision logic")
	}

	defaults := 0
	for i := range rs.DecisionLogic {
		clause := &rs.DecisionLogic[i]
		if clause.Default {
			defaults++
			if clause.Condition != nil {
				return types.NewConfigError(rs.ID, "default clause must not carry a condition")
			}
		} else if clause.Condition == nil {
			return types.NewConfigError(rs.ID, "decision clause %d has no condition", i)
		}
		if err := validateAction(rs.ID, clause.Action); err != nil {
			return err
		}
	}
	if defaults == 0 {
		return types.NewConfigError(rs.ID, "missing default decision clause")
	}
	if defaults > 1 {
		return types.NewConfigError(rs.ID, "multiple default decision clauses")
	}
	return nil
}

func validateAction(ref string, a types.Action) error {
	switch a.Kind {
	case types.ActionCustom:
		if a.Name == "" {
			return types.NewConfigError(ref, "custom action without a name")
		}
	case types.ActionInfer:
		if a.Snapshot == nil || len(a.Snapshot.Paths) == 0 {
			return types.NewConfigError(ref, "infer action without data snapshot paths")
		}
		if len(a.Snapshot.Paths) > types.MaxSnapshotPaths {
			return types.NewConfigError(ref, "data snapshot declares %d paths, limit is %d",
				len(a.Snapshot.Paths), types.MaxSnapshotPaths)
		}
		for _, p := range append(a.Snapshot.Paths, a.Snapshot.Exclude...) {
			if _, err := expr.ParsePath(p); err != nil {
				return types.NewConfigError(ref, "bad snapshot path %q: %v", p, err)
			}
		}
	}
	return nil
}

// validateSteps checks one pipeline's step tree: step ids present and
// unique within the pipeline, exactly one kind per step, resolvable
// references, sane aggregate specs.
func validateSteps(r *Registry, pipelineID string, steps []pipeline.Step, seen map[string]bool) error {
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return types.NewConfigError(pipelineID, "step %d has no id", i)
		}
		if seen[step.ID] {
			return types.NewConfigError(pipelineID, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if err := validateStepKind(r, pipelineID, step, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStepKind(r *Registry, pipelineID string, step *pipeline.Step, seen map[string]bool) error {
	kinds := 0
	for _, set := range []bool{
		step.Call != nil, step.Branch != nil, step.Parallel != nil,
		step.Aggregate != nil, step.Ruleset != "", step.Include != "", step.Exit != nil,
	} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return types.NewConfigError(pipelineID, "step %q must have exactly one kind, has %d", step.ID, kinds)
	}

	switch {
	case step.Ruleset != "":
		if _, ok := r.rulesets[step.Ruleset]; !ok {
			return types.NewConfigError(pipelineID, "step %q references unknown ruleset %q", step.ID, step.Ruleset)
		}
	case step.Include != "":
		if _, ok := r.pipelines[step.Include]; !ok {
			return types.NewConfigError(pipelineID, "step %q includes unknown pipeline %q", step.ID, step.Include)
		}
	case step.Aggregate != nil:
		if len(step.Aggregate.Sources) == 0 {
			return types.NewConfigError(pipelineID, "aggregate step %q has no sources", step.ID)
		}
	case step.Exit != nil:
		if err := validateAction(pipelineID, step.Exit.Action); err != nil {
			return err
		}
	case step.Branch != nil:
		for j := range step.Branch.Cases {
			if step.Branch.Cases[j].When == nil {
				return types.NewConfigError(pipelineID, "branch step %q case %d has no condition", step.ID, j)
			}
			if err := validateSteps(r, pipelineID, step.Branch.Cases[j].Steps, seen); err != nil {
				return err
			}
		}
		if err := validateSteps(r, pipelineID, step.Branch.Default, seen); err != nil {
			return err
		}
	case step.Parallel != nil:
		if err := validateSteps(r, pipelineID, step.Parallel.Steps, seen); err != nil {
			return err
		}
	}
	return nil
}

// checkIncludeCycles walks the include graph. A pipeline including
// itself, directly or transitively, can never finish splicing.
func checkIncludeCycles(r *Registry) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.pipelines))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return types.NewConfigError(id, "pipeline include cycle")
		case done:
			return nil
		}
		state[id] = visiting
		for _, inc := range includes(r.pipelines[id].Steps) {
			if _, ok := r.pipelines[inc]; !ok {
				continue // reported by validateSteps
			}
			if err := visit(inc); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range r.pipelines {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func includes(steps []pipeline.Step) []string {
	var out []string
	for i := range steps {
		step := &steps[i]
		switch {
		case step.Include != "":
			out = append(out, step.Include)
		case step.Branch != nil:
			for j := range step.Branch.Cases {
				out = append(out, includes(step.Branch.Cases[j].Steps)...)
			}
			out = append(out, includes(step.Branch.Default)...)
		case step.Parallel != nil:
			out = append(out, includes(step.Parallel.Steps)...)
		}
	}
	return out
}
