// Package load is the YAML front end: it maps declarative rule, ruleset,
// and pipeline documents into the in-memory definition structures the
// registry validates. Structural mapping only; everything semantic
// (reference resolution, cycles, limits) is the registry's job.
package load

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/registry"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

// Document is one YAML definition file. A deployment usually splits
// rules, rulesets, and pipelines across files; LoadDir merges them.
type Document struct {
	Rules     []ruleRaw     `yaml:"rules"`
	Rulesets  []rulesetRaw  `yaml:"rulesets"`
	Pipelines []pipelineRaw `yaml:"pipelines"`
}

type onErrorRaw struct {
	Policy            string `yaml:"policy"`
	FallbackTriggered bool   `yaml:"fallback_triggered"`
	Fallback          any    `yaml:"fallback"`
	MaxRetries        int    `yaml:"max_retries"`
}

type ruleRaw struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	EventTypes []string    `yaml:"event_types"`
	Conditions []condRaw   `yaml:"conditions"`
	Score      float64     `yaml:"score"`
	DependsOn  []string    `yaml:"depends_on"`
	OnError    *onErrorRaw `yaml:"on_error"`
}

type clauseRaw struct {
	Condition *condRaw `yaml:"condition"`
	Default   bool     `yaml:"default"`
	Action    any      `yaml:"action"`
	Terminate bool     `yaml:"terminate"`
}

type rulesetRaw struct {
	ID            string      `yaml:"id"`
	Rules         []string    `yaml:"rules"`
	DecisionLogic []clauseRaw `yaml:"decision_logic"`
	OnError       *onErrorRaw `yaml:"on_error"`
}

type callRaw struct {
	Invoker string         `yaml:"invoker"`
	Args    map[string]any `yaml:"args"`
}

type branchCaseRaw struct {
	Condition condRaw   `yaml:"condition"`
	Steps     []stepRaw `yaml:"steps"`
}

type branchRaw struct {
	When    []branchCaseRaw `yaml:"when"`
	Default []stepRaw       `yaml:"default"`
}

type parallelRaw struct {
	Merge string    `yaml:"merge"`
	Steps []stepRaw `yaml:"steps"`
}

type aggregateRaw struct {
	Method  string             `yaml:"method"`
	Sources []string           `yaml:"sources"`
	Field   string             `yaml:"field"`
	Weights map[string]float64 `yaml:"weights"`
}

type exitRaw struct {
	Action any    `yaml:"action"`
	Reason string `yaml:"reason"`
}

type stepRaw struct {
	ID      string      `yaml:"id"`
	If      *condRaw    `yaml:"if"`
	Timeout string      `yaml:"timeout"`
	OnError *onErrorRaw `yaml:"on_error"`

	Call      *callRaw      `yaml:"call"`
	Branch    *branchRaw    `yaml:"branch"`
	Parallel  *parallelRaw  `yaml:"parallel"`
	Aggregate *aggregateRaw `yaml:"aggregate"`
	Ruleset   string        `yaml:"ruleset"`
	Include   string        `yaml:"include"`
	EarlyExit *exitRaw      `yaml:"early_exit"`
}

type pipelineRaw struct {
	ID     string         `yaml:"id"`
	Budget string         `yaml:"budget"`
	Vars   map[string]any `yaml:"vars"`
	Steps  []stepRaw      `yaml:"steps"`
}

// LoadDir reads every .yaml/.yml file under dir (sorted, not recursive)
// and merges the documents into one definition set.
func LoadDir(dir string) (registry.Definitions, error) {
	var defs registry.Definitions

	entries, err := os.ReadDir(dir)
	if err != nil {
		return defs, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		part, err := LoadFile(f)
		if err != nil {
			return defs, fmt.Errorf("%s: %w", f, err)
		}
		defs.Rules = append(defs.Rules, part.Rules...)
		defs.Rulesets = append(defs.Rulesets, part.Rulesets...)
		defs.Pipelines = append(defs.Pipelines, part.Pipelines...)
	}
	return defs, nil
}

// LoadFile reads one YAML definition file.
func LoadFile(path string) (registry.Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registry.Definitions{}, err
	}
	return LoadBytes(data)
}

// LoadBytes maps one YAML document into definitions.
func LoadBytes(data []byte) (registry.Definitions, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return registry.Definitions{}, err
	}

	var defs registry.Definitions
	for i := range doc.Rules {
		rule, err := mapRule(&doc.Rules[i])
		if err != nil {
			return defs, err
		}
		defs.Rules = append(defs.Rules, rule)
	}
	for i := range doc.Rulesets {
		rs, err := mapRuleset(&doc.Rulesets[i])
		if err != nil {
			return defs, err
		}
		defs.Rulesets = append(defs.Rulesets, rs)
	}
	for i := range doc.Pipelines {
		p, err := mapPipeline(&doc.Pipelines[i])
		if err != nil {
			return defs, err
		}
		defs.Pipelines = append(defs.Pipelines, p)
	}
	return defs, nil
}

func mapRule(raw *ruleRaw) (*rules.Rule, error) {
	conditions, err := compileConds(raw.ID, raw.Conditions)
	if err != nil {
		return nil, err
	}
	onErr, err := mapRuleOnError(raw.ID, raw.OnError)
	if err != nil {
		return nil, err
	}
	return &rules.Rule{
		ID:         raw.ID,
		Name:       raw.Name,
		EventTypes: raw.EventTypes,
		Conditions: conditions,
		Score:      raw.Score,
		DependsOn:  raw.DependsOn,
		OnError:    onErr,
	}, nil
}

func mapRuleset(raw *rulesetRaw) (*ruleset.Ruleset, error) {
	rs := &ruleset.Ruleset{ID: raw.ID, RuleIDs: raw.Rules}

	onErr, err := mapRuleOnError(raw.ID, raw.OnError)
	if err != nil {
		return nil, err
	}
	rs.OnError = onErr

	for i := range raw.DecisionLogic {
		cl := &raw.DecisionLogic[i]
		clause := ruleset.Clause{Default: cl.Default, Terminate: cl.Terminate}

		if cl.Condition != nil {
			cond, err := compileCond(raw.ID, cl.Condition)
			if err != nil {
				return nil, err
			}
			clause.Condition = cond
		}
		action, err := mapAction(raw.ID, cl.Action)
		if err != nil {
			return nil, err
		}
		clause.Action = action
		rs.DecisionLogic = append(rs.DecisionLogic, clause)
	}
	return rs, nil
}

func mapPipeline(raw *pipelineRaw) (*pipeline.Pipeline, error) {
	p := &pipeline.Pipeline{ID: raw.ID}

	if raw.Budget != "" {
		d, err := time.ParseDuration(raw.Budget)
		if err != nil {
			return nil, types.NewConfigError(raw.ID, "bad budget %q: %v", raw.Budget, err)
		}
		p.Budget = d
	}
	if len(raw.Vars) > 0 {
		p.Vars = make(map[string]types.Value, len(raw.Vars))
		for k, v := range raw.Vars {
			val, err := types.FromAny(v)
			if err != nil {
				return nil, types.NewConfigError(raw.ID, "bad var %q: %v", k, err)
			}
			p.Vars[k] = val
		}
	}

	steps, err := mapSteps(raw.ID, raw.Steps)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func mapSteps(ref string, raws []stepRaw) ([]pipeline.Step, error) {
	steps := make([]pipeline.Step, 0, len(raws))
	for i := range raws {
		step, err := mapStep(ref, &raws[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func mapStep(ref string, raw *stepRaw) (pipeline.Step, error) {
	step := pipeline.Step{ID: raw.ID}

	if raw.If != nil {
		guard, err := compileCond(ref, raw.If)
		if err != nil {
			return step, err
		}
		step.If = guard
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return step, types.NewConfigError(ref, "step %q: bad timeout %q: %v", raw.ID, raw.Timeout, err)
		}
		step.Timeout = d
	}
	onErr, err := mapStepOnError(ref, raw.OnError)
	if err != nil {
		return step, err
	}
	step.OnError = onErr

	switch {
	case raw.Call != nil:
		call, err := mapCall(ref, raw.Call)
		if err != nil {
			return step, err
		}
		step.Call = call

	case raw.Branch != nil:
		branch := &pipeline.BranchSpec{}
		for j := range raw.Branch.When {
			c := &raw.Branch.When[j]
			cond, err := compileCond(ref, &c.Condition)
			if err != nil {
				return step, err
			}
			sub, err := mapSteps(ref, c.Steps)
			if err != nil {
				return step, err
			}
			branch.Cases = append(branch.Cases, pipeline.BranchCase{When: cond, Steps: sub})
		}
		if len(raw.Branch.Default) > 0 {
			sub, err := mapSteps(ref, raw.Branch.Default)
			if err != nil {
				return step, err
			}
			branch.Default = sub
		}
		step.Branch = branch

	case raw.Parallel != nil:
		merge, err := mapMerge(ref, raw.Parallel.Merge)
		if err != nil {
			return step, err
		}
		sub, err := mapSteps(ref, raw.Parallel.Steps)
		if err != nil {
			return step, err
		}
		step.Parallel = &pipeline.ParallelSpec{Merge: merge, Steps: sub}

	case raw.Aggregate != nil:
		spec, err := mapAggregate(ref, raw.Aggregate)
		if err != nil {
			return step, err
		}
		step.Aggregate = spec

	case raw.Ruleset != "":
		step.Ruleset = raw.Ruleset

	case raw.Include != "":
		step.Include = raw.Include

	case raw.EarlyExit != nil:
		action, err := mapAction(ref, raw.EarlyExit.Action)
		if err != nil {
			return step, err
		}
		step.Exit = &pipeline.ExitSpec{Action: action, Reason: raw.EarlyExit.Reason}
	}

	return step, nil
}

func mapCall(ref string, raw *callRaw) (*pipeline.CallSpec, error) {
	if raw.Invoker == "" {
		return nil, types.NewConfigError(ref, "call step without invoker")
	}
	spec := &pipeline.CallSpec{Invoker: raw.Invoker}
	if len(raw.Args) > 0 {
		spec.Args = make(map[string]expr.Node, len(raw.Args))
		for name, v := range raw.Args {
			node, err := mapArg(ref, v)
			if err != nil {
				return nil, err
			}
			spec.Args[name] = node
		}
	}
	return spec, nil
}

// mapArg accepts either a {field: path} reference or a plain literal.
func mapArg(ref string, raw any) (expr.Node, error) {
	if m, ok := raw.(map[string]any); ok {
		if f, ok := m["field"].(string); ok {
			return fieldNode(ref, f)
		}
	}
	return literal(ref, raw)
}

func mapAggregate(ref string, raw *aggregateRaw) (*pipeline.AggregateSpec, error) {
	spec := &pipeline.AggregateSpec{
		Sources: raw.Sources,
		Field:   raw.Field,
		Weights: raw.Weights,
	}
	switch raw.Method {
	case "", "sum":
		spec.Method = pipeline.AggSum
	case "max":
		spec.Method = pipeline.AggMax
	case "weighted":
		spec.Method = pipeline.AggWeighted
	default:
		return nil, types.NewConfigError(ref, "unknown aggregate method %q", raw.Method)
	}
	return spec, nil
}

func mapMerge(ref, name string) (pipeline.MergeStrategy, error) {
	switch name {
	case "", "all":
		return pipeline.MergeAll, nil
	case "any", "fastest": // fastest is an alias of any
		return pipeline.MergeAny, nil
	case "majority":
		return pipeline.MergeMajority, nil
	default:
		return pipeline.MergeAll, types.NewConfigError(ref, "unknown merge strategy %q", name)
	}
}

func mapRuleOnError(ref string, raw *onErrorRaw) (rules.OnError, error) {
	if raw == nil {
		return rules.OnError{}, nil
	}
	policy, err := mapPolicy(ref, raw.Policy)
	if err != nil {
		return rules.OnError{}, err
	}
	return rules.OnError{
		Policy:            policy,
		FallbackTriggered: raw.FallbackTriggered,
		MaxRetries:        raw.MaxRetries,
	}, nil
}

func mapStepOnError(ref string, raw *onErrorRaw) (pipeline.OnError, error) {
	if raw == nil {
		return pipeline.OnError{}, nil
	}
	policy, err := mapPolicy(ref, raw.Policy)
	if err != nil {
		return pipeline.OnError{}, err
	}
	out := pipeline.OnError{Policy: policy, MaxRetries: raw.MaxRetries}
	if raw.Fallback != nil {
		v, err := types.FromAny(raw.Fallback)
		if err != nil {
			return out, types.NewConfigError(ref, "bad fallback value: %v", err)
		}
		out.Fallback = v
	}
	return out, nil
}

func mapPolicy(ref, name string) (rules.ErrorPolicy, error) {
	switch name {
	case "":
		return rules.PolicyInherit, nil
	case "fail":
		return rules.PolicyFail, nil
	case "skip":
		return rules.PolicySkip, nil
	case "fallback":
		return rules.PolicyFallback, nil
	case "retry":
		return rules.PolicyRetry, nil
	default:
		return rules.PolicyInherit, types.NewConfigError(ref, "unknown error policy %q", name)
	}
}

// mapAction accepts the YAML action union: a plain string for the
// builtin and custom actions, or a map for infer.
func mapAction(ref string, raw any) (types.Action, error) {
	switch a := raw.(type) {
	case string:
		switch a {
		case "approve":
			return types.Approve(), nil
		case "deny":
			return types.Deny(), nil
		case "review":
			return types.Review(), nil
		case "":
			return types.Action{}, types.NewConfigError(ref, "empty action")
		default:
			return types.Custom(a), nil
		}
	case map[string]any:
		if name, ok := a["custom"].(string); ok {
			return types.Custom(name), nil
		}
		if inf, ok := a["infer"]; ok {
			spec, err := mapSnapshotSpec(ref, inf)
			if err != nil {
				return types.Action{}, err
			}
			return types.Infer(spec), nil
		}
	}
	return types.Action{}, types.NewConfigError(ref, "unrecognized action %v", raw)
}

func mapSnapshotSpec(ref string, raw any) (types.SnapshotSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.SnapshotSpec{}, types.NewConfigError(ref, "infer action must declare data_snapshot")
	}
	spec := types.SnapshotSpec{
		Paths:   stringList(m["data_snapshot"]),
		Exclude: stringList(m["exclude"]),
	}
	if len(spec.Paths) == 0 {
		return spec, types.NewConfigError(ref, "infer action without data snapshot paths")
	}
	return spec, nil
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
