package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

func amountRule(id string, threshold float64) *rules.Rule {
	return &rules.Rule{
		ID: id,
		Conditions: []expr.Node{&expr.Compare{
			Op: expr.CmpGt,
			L:  &expr.Field{Path: expr.MustParsePath("event.amount")},
			R:  &expr.Literal{Val: types.Number(threshold)},
		}},
		Score: 10,
	}
}

func basicRuleset(id string, ruleIDs ...string) *ruleset.Ruleset {
	return &ruleset.Ruleset{
		ID:      id,
		RuleIDs: ruleIDs,
		DecisionLogic: []ruleset.Clause{
			{Condition: &expr.Compare{
				Op: expr.CmpGte,
				L:  &expr.Field{Path: expr.MustParsePath("total_score")},
				R:  &expr.Literal{Val: types.Number(10)},
			}, Action: types.Deny()},
			{Default: true, Action: types.Approve()},
		},
	}
}

func TestBuild_Valid(t *testing.T) {
	defs := Definitions{
		Rules:    []*rules.Rule{amountRule("high-amount", 900)},
		Rulesets: []*ruleset.Ruleset{basicRuleset("fraud-screen", "high-amount")},
		Pipelines: []*pipeline.Pipeline{
			{ID: "common", Steps: []pipeline.Step{
				{ID: "screen", Ruleset: "fraud-screen"},
			}},
			{ID: "checkout", Steps: []pipeline.Step{
				{ID: "shared", Include: "common"},
			}},
		},
	}

	r, err := Build(defs)
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	if _, ok := r.Rule("high-amount"); !ok {
		t.Errorf("Rule(high-amount) not found")
	}
	if rs, ok := r.Ruleset("fraud-screen"); !ok || rs.Set == nil {
		t.Errorf("Ruleset(fraud-screen) = %v, %v; want compiled set", rs, ok)
	}
	if _, ok := r.Pipeline("checkout"); !ok {
		t.Errorf("Pipeline(checkout) not found")
	}
	if got := len(r.RulesetIDs()); got != 1 {
		t.Errorf("len(RulesetIDs()) = %d, want 1", got)
	}
	if got := len(r.PipelineIDs()); got != 2 {
		t.Errorf("len(PipelineIDs()) = %d, want 2", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		defs    Definitions
		wantMsg string
	}{
		{
			name: "duplicate rule id",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1), amountRule("a", 2)},
			},
			wantMsg: "duplicate rule id",
		},
		{
			name: "duplicate ruleset id",
			defs: Definitions{
				Rules:    []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{basicRuleset("rs", "a"), basicRuleset("rs", "a")},
			},
			wantMsg: "duplicate ruleset id",
		},
		{
			name: "unknown rule reference",
			defs: Definitions{
				Rulesets: []*ruleset.Ruleset{basicRuleset("rs", "ghost")},
			},
			wantMsg: `unknown rule "ghost"`,
		},
		{
			name: "missing default clause",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{
					ID:      "rs",
					RuleIDs: []string{"a"},
					DecisionLogic: []ruleset.Clause{
						{Condition: &expr.Literal{Val: types.Bool(true)}, Action: types.Deny()},
					},
				}},
			},
			wantMsg: "missing default decision clause",
		},
		{
			name: "multiple default clauses",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{
					ID:      "rs",
					RuleIDs: []string{"a"},
					DecisionLogic: []ruleset.Clause{
						{Default: true, Action: types.Approve()},
						{Default: true, Action: types.Review()},
					},
				}},
			},
			wantMsg: "multiple default decision clauses",
		},
		{
			name: "default clause with condition",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{
					ID:      "rs",
					RuleIDs: []string{"a"},
					DecisionLogic: []ruleset.Clause{
						{Default: true, Condition: &expr.Literal{Val: types.Bool(true)}, Action: types.Approve()},
					},
				}},
			},
			wantMsg: "default clause must not carry a condition",
		},
		{
			name: "empty decision logic",
			defs: Definitions{
				Rules:    []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{ID: "rs", RuleIDs: []string{"a"}}},
			},
			wantMsg: "no decision logic",
		},
		{
			name: "infer without snapshot paths",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{
					ID:      "rs",
					RuleIDs: []string{"a"},
					DecisionLogic: []ruleset.Clause{
						{Condition: &expr.Literal{Val: types.Bool(true)},
							Action: types.Action{Kind: types.ActionInfer, Snapshot: &types.SnapshotSpec{}}},
						{Default: true, Action: types.Approve()},
					},
				}},
			},
			wantMsg: "infer action without data snapshot paths",
		},
		{
			name: "custom action without name",
			defs: Definitions{
				Rules: []*rules.Rule{amountRule("a", 1)},
				Rulesets: []*ruleset.Ruleset{{
					ID:      "rs",
					RuleIDs: []string{"a"},
					DecisionLogic: []ruleset.Clause{
						{Condition: &expr.Literal{Val: types.Bool(true)}, Action: types.Action{Kind: types.ActionCustom}},
						{Default: true, Action: types.Approve()},
					},
				}},
			},
			wantMsg: "custom action without a name",
		},
		{
			name: "duplicate pipeline id",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Exit: &pipeline.ExitSpec{Action: types.Approve()}}}},
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Exit: &pipeline.ExitSpec{Action: types.Approve()}}}},
				},
			},
			wantMsg: "duplicate pipeline id",
		},
		{
			name: "step without id",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{Exit: &pipeline.ExitSpec{Action: types.Approve()}}}},
				},
			},
			wantMsg: "has no id",
		},
		{
			name: "duplicate step id",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{
						{ID: "x", Exit: &pipeline.ExitSpec{Action: types.Approve()}},
						{ID: "x", Exit: &pipeline.ExitSpec{Action: types.Approve()}},
					}},
				},
			},
			wantMsg: `duplicate step id "x"`,
		},
		{
			name: "step without kind",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x"}}},
				},
			},
			wantMsg: "exactly one kind",
		},
		{
			name: "step with two kinds",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{
						ID:      "x",
						Exit:    &pipeline.ExitSpec{Action: types.Approve()},
						Include: "other",
					}}},
				},
			},
			wantMsg: "exactly one kind",
		},
		{
			name: "unknown ruleset reference",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Ruleset: "ghost"}}},
				},
			},
			wantMsg: `unknown ruleset "ghost"`,
		},
		{
			name: "unknown include reference",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Include: "ghost"}}},
				},
			},
			wantMsg: `unknown pipeline "ghost"`,
		},
		{
			name: "aggregate without sources",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Aggregate: &pipeline.AggregateSpec{}}}},
				},
			},
			wantMsg: "no sources",
		},
		{
			name: "branch case without condition",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Branch: &pipeline.BranchSpec{
						Cases: []pipeline.BranchCase{{Steps: []pipeline.Step{
							{ID: "y", Exit: &pipeline.ExitSpec{Action: types.Approve()}},
						}}},
					}}}},
				},
			},
			wantMsg: "has no condition",
		},
		{
			name: "include self cycle",
			defs: Definitions{
				Pipelines: []*pipeline.Pipeline{
					{ID: "p", Steps: []pipeline.Step{{ID: "x", Include: "p"}}},
				},
			},
			wantMsg: "include cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.defs)
			if err == nil {
				t.Fatalf("Build() error = nil, want %q", tt.wantMsg)
			}
			var ce *types.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Build() error = %T, want *types.ConfigError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Build() error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBuild_TransitiveIncludeCycle(t *testing.T) {
	defs := Definitions{
		Pipelines: []*pipeline.Pipeline{
			{ID: "a", Steps: []pipeline.Step{{ID: "x", Include: "b"}}},
			{ID: "b", Steps: []pipeline.Step{{ID: "y", Include: "c"}}},
			{ID: "c", Steps: []pipeline.Step{{ID: "z", Include: "a"}}},
		},
	}
	_, err := Build(defs)
	if err == nil || !strings.Contains(err.Error(), "include cycle") {
		t.Fatalf("Build() error = %v, want include cycle", err)
	}
}

func TestBuild_IncludesInsideBranchAndParallel(t *testing.T) {
	defs := Definitions{
		Pipelines: []*pipeline.Pipeline{
			{ID: "leaf", Steps: []pipeline.Step{
				{ID: "x", Exit: &pipeline.ExitSpec{Action: types.Approve()}},
			}},
			{ID: "root", Steps: []pipeline.Step{
				{ID: "route", Branch: &pipeline.BranchSpec{
					Cases: []pipeline.BranchCase{{
						When:  &expr.Literal{Val: types.Bool(true)},
						Steps: []pipeline.Step{{ID: "inc", Include: "leaf"}},
					}},
				}},
				{ID: "fan", Parallel: &pipeline.ParallelSpec{
					Steps: []pipeline.Step{{ID: "inc2", Include: "leaf"}},
				}},
			}},
		},
	}
	if _, err := Build(defs); err != nil {
		t.Fatalf("Build() error = %v, want nil (nested includes resolve)", err)
	}
}
