// internal/rules/compile.go
package rules

import (
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Rule compilation and dependency resolution.
 *
 * CompileSet validates a ruleset's rules as a unit: path limits, known
 * references, and the depends_on graph. Dependencies form a partial
 * order resolved by topological levels (Kahn): level 0 rules depend on
 * nothing, level n rules depend only on levels < n. A cycle is a
 * ConfigError rejected before any event is processed.
 *
 * Declaration order is preserved everywhere. It is significant for the
 * audit trace (not for scores, which commute), and it is the tiebreak
 * that keeps evaluation deterministic within a level.
 */

// CompiledSet is an ordered, validated collection of rules sharing one
// dependency graph. Order matches declaration order.
type CompiledSet struct {
	Rules  []*CompiledRule
	byID   map[string]int
	Levels int // number of topological levels
}

// ByID returns the compiled rule with the given id.
func (s *CompiledSet) ByID(id string) (*CompiledRule, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.Rules[i], true
}

// CompileSet validates and pre-processes rules for evaluation.
func CompileSet(defs []*Rule) (*CompiledSet, error) {
	set := &CompiledSet{
		Rules: make([]*CompiledRule, 0, len(defs)),
		byID:  make(map[string]int, len(defs)),
	}

	for _, def := range defs {
		if def.ID == "" {
			return nil, types.NewConfigError("", "rule without id")
		}
		if _, dup := set.byID[def.ID]; dup {
			return nil, types.NewConfigError(def.ID, "duplicate rule id")
		}
		if len(def.Conditions) == 0 {
			return nil, types.NewConfigError(def.ID, "rule has no conditions")
		}

		compiled := &CompiledRule{Rule: *def}
		for _, cond := range def.Conditions {
			if err := validateConditionPaths(def.ID, cond); err != nil {
				return nil, err
			}
			compiled.Cost += expr.EstimateCost(cond)
		}

		set.byID[def.ID] = len(set.Rules)
		set.Rules = append(set.Rules, compiled)
	}

	if err := set.assignLevels(); err != nil {
		return nil, err
	}
	return set, nil
}

// validateConditionPaths enforces depth/wildcard limits on every field
// reference at compile time rather than evaluation time.
func validateConditionPaths(ruleID string, cond expr.Node) error {
	var limitErr error
	expr.Walk(cond, func(n expr.Node) {
		if limitErr != nil {
			return
		}
		switch node := n.(type) {
		case *expr.Field:
			limitErr = expr.ValidatePath(node.Path)
		case *expr.Exists:
			limitErr = expr.ValidatePath(node.Path)
		case *expr.Call:
			if !expr.KnownFunction(node.Fn) {
				limitErr = types.NewConfigError(ruleID, "unknown function %q", node.Fn)
			}
		}
	})
	if limitErr != nil {
		if _, ok := limitErr.(*types.ConfigError); ok {
			return limitErr
		}
		return types.NewConfigError(ruleID, "%v", limitErr)
	}
	return nil
}

// assignLevels runs Kahn's algorithm over the depends_on graph.
// Index-based edges over the declaration-ordered arena keep the
// traversal allocation-light and the level assignment deterministic.
func (s *CompiledSet) assignLevels() error {
	n := len(s.Rules)
	indegree := make([]int, n)
	dependents := make([][]int, n)

	for i, rule := range s.Rules {
		for _, dep := range rule.DependsOn {
			j, ok := s.byID[dep]
			if !ok {
				return types.NewConfigError(rule.ID, "depends_on references unknown rule %q", dep)
			}
			if j == i {
				return types.NewConfigError(rule.ID, "rule depends on itself")
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Process in declaration order within each wave
	frontier := make([]int, 0, n)
	for i := range s.Rules {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	resolved := 0
	level := 0
	for len(frontier) > 0 {
		next := next(frontier, dependents, indegree, s.Rules, level)
		resolved += len(frontier)
		frontier = next
		level++
	}

	if resolved != n {
		// Remaining rules all sit on at least one cycle
		for i, deg := range indegree {
			if deg > 0 {
				return types.NewConfigError(s.Rules[i].ID, "cyclic rule dependency")
			}
		}
	}

	s.Levels = level
	return nil
}

func next(frontier []int, dependents [][]int, indegree []int, rules []*CompiledRule, level int) []int {
	var out []int
	for _, i := range frontier {
		rules[i].Level = level
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				out = append(out, j)
			}
		}
	}
	return out
}
