// internal/load/condition.go
package load

import (
	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Condition object -> expression tree mapping.
 *
 * Conditions are structured YAML objects, not a text DSL: composites
 * (all/any/not, if/then/else), a subject (field, agg, fn), an operator,
 * and an operand (value literal or value_field reference). The mapping
 * is purely structural; semantic validation (path limits, known
 * functions, aggregation ops) happens at compile/registry time.
 */

// condRaw is the recursive YAML condition object.
type condRaw struct {
	All []condRaw `yaml:"all"`
	Any []condRaw `yaml:"any"`
	Not *condRaw  `yaml:"not"`

	If   *condRaw `yaml:"if"`
	Then *condRaw `yaml:"then"`
	Else *condRaw `yaml:"else"`

	Field  string  `yaml:"field"`
	Exists string  `yaml:"exists"`
	Agg    *aggRaw `yaml:"agg"`
	Fn     string  `yaml:"fn"`   // builtin applied to the field subject
	Op     string  `yaml:"op"`   // eq neq lt lte gt gte in not_in contains
	Fold   bool    `yaml:"fold"` // case-insensitive in/not_in

	Value      any    `yaml:"value"`
	ValueField string `yaml:"value_field"`
	Default    any    `yaml:"default"` // coalesce: subject ?? default
}

type aggRaw struct {
	Op     string   `yaml:"op"`
	Metric string   `yaml:"metric"`
	Window string   `yaml:"window"`
	Filter *condRaw `yaml:"filter"`
	Param  float64  `yaml:"param"`
}

func compileCond(ref string, raw *condRaw) (expr.Node, error) {
	switch {
	case len(raw.All) > 0:
		terms, err := compileConds(ref, raw.All)
		if err != nil {
			return nil, err
		}
		return &expr.All{Terms: terms}, nil

	case len(raw.Any) > 0:
		terms, err := compileConds(ref, raw.Any)
		if err != nil {
			return nil, err
		}
		return &expr.Any{Terms: terms}, nil

	case raw.Not != nil:
		x, err := compileCond(ref, raw.Not)
		if err != nil {
			return nil, err
		}
		return &expr.Not{X: x}, nil

	case raw.If != nil:
		return compileTernary(ref, raw)

	case raw.Exists != "":
		path, err := expr.ParsePath(raw.Exists)
		if err != nil {
			return nil, types.NewConfigError(ref, "bad exists path %q: %v", raw.Exists, err)
		}
		return &expr.Exists{Path: path}, nil
	}

	subject, err := compileSubject(ref, raw)
	if err != nil {
		return nil, err
	}
	if raw.Default != nil {
		dflt, err := literal(ref, raw.Default)
		if err != nil {
			return nil, err
		}
		subject = &expr.Coalesce{L: subject, R: dflt}
	}

	if raw.Op == "" {
		return nil, types.NewConfigError(ref, "condition has no operator")
	}
	operand, err := compileOperand(ref, raw)
	if err != nil {
		return nil, err
	}

	switch raw.Op {
	case "eq":
		return &expr.Compare{Op: expr.CmpEq, L: subject, R: operand}, nil
	case "neq":
		return &expr.Compare{Op: expr.CmpNeq, L: subject, R: operand}, nil
	case "lt":
		return &expr.Compare{Op: expr.CmpLt, L: subject, R: operand}, nil
	case "lte":
		return &expr.Compare{Op: expr.CmpLte, L: subject, R: operand}, nil
	case "gt":
		return &expr.Compare{Op: expr.CmpGt, L: subject, R: operand}, nil
	case "gte":
		return &expr.Compare{Op: expr.CmpGte, L: subject, R: operand}, nil
	case "in":
		return &expr.In{X: subject, Set: operand, Fold: raw.Fold}, nil
	case "not_in":
		return &expr.In{Negate: true, X: subject, Set: operand, Fold: raw.Fold}, nil
	case "contains":
		return &expr.Contains{X: subject, Sub: operand}, nil
	case "not_contains":
		return &expr.Not{X: &expr.Contains{X: subject, Sub: operand}}, nil
	default:
		return nil, types.NewConfigError(ref, "unknown operator %q", raw.Op)
	}
}

func compileConds(ref string, raws []condRaw) ([]expr.Node, error) {
	terms := make([]expr.Node, len(raws))
	for i := range raws {
		node, err := compileCond(ref, &raws[i])
		if err != nil {
			return nil, err
		}
		terms[i] = node
	}
	return terms, nil
}

func compileTernary(ref string, raw *condRaw) (expr.Node, error) {
	if raw.Then == nil || raw.Else == nil {
		return nil, types.NewConfigError(ref, "ternary requires then and else")
	}
	cond, err := compileCond(ref, raw.If)
	if err != nil {
		return nil, err
	}
	then, err := compileCond(ref, raw.Then)
	if err != nil {
		return nil, err
	}
	els, err := compileCond(ref, raw.Else)
	if err != nil {
		return nil, err
	}
	return &expr.Ternary{Cond: cond, Then: then, Else: els}, nil
}

func compileSubject(ref string, raw *condRaw) (expr.Node, error) {
	switch {
	case raw.Agg != nil:
		return compileAgg(ref, raw.Agg)
	case raw.Field != "":
		field, err := fieldNode(ref, raw.Field)
		if err != nil {
			return nil, err
		}
		if raw.Fn != "" {
			return &expr.Call{Fn: raw.Fn, Args: []expr.Node{field}}, nil
		}
		return field, nil
	default:
		return nil, types.NewConfigError(ref, "condition has no subject (field, agg, exists, or composite)")
	}
}

func compileAgg(ref string, raw *aggRaw) (expr.Node, error) {
	op, ok := agg.ParseOp(raw.Op)
	if !ok {
		return nil, types.NewConfigError(ref, "bad aggregation op %q", raw.Op)
	}
	window, err := agg.ParseWindow(raw.Window)
	if err != nil {
		return nil, types.NewConfigError(ref, "bad aggregation window %q: %v", raw.Window, err)
	}
	if op == agg.OpPercentile && (raw.Param <= 0 || raw.Param > 100) {
		return nil, types.NewConfigError(ref, "percentile param must be in (0, 100], got %v", raw.Param)
	}

	node := &expr.AggCall{Op: op, Metric: raw.Metric, Window: window, Param: raw.Param}
	if raw.Metric == "" {
		return nil, types.NewConfigError(ref, "aggregation without metric")
	}
	if raw.Filter != nil {
		filter, err := compileCond(ref, raw.Filter)
		if err != nil {
			return nil, err
		}
		node.Filter = filter
	}
	return node, nil
}

func compileOperand(ref string, raw *condRaw) (expr.Node, error) {
	if raw.ValueField != "" {
		return fieldNode(ref, raw.ValueField)
	}
	if raw.Value == nil {
		return nil, types.NewConfigError(ref, "condition has no value or value_field")
	}
	return literal(ref, raw.Value)
}

func fieldNode(ref, path string) (*expr.Field, error) {
	segs, err := expr.ParsePath(path)
	if err != nil {
		return nil, types.NewConfigError(ref, "bad field path %q: %v", path, err)
	}
	return &expr.Field{Path: segs}, nil
}

func literal(ref string, raw any) (*expr.Literal, error) {
	v, err := types.FromAny(raw)
	if err != nil {
		return nil, types.NewConfigError(ref, "bad literal: %v", err)
	}
	return &expr.Literal{Val: v}, nil
}
