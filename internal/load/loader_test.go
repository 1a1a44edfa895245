package load

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/types"
)

func TestLoadBytes_Rule(t *testing.T) {
	doc := `
rules:
  - id: high-amount
    name: High transaction amount
    event_types: [payment, withdrawal]
    score: 45
    conditions:
      - field: event.amount
        op: gt
        value: 900
      - all:
          - field: event.currency
            op: in
            value: [USD, EUR]
            fold: true
          - not:
              exists: event.user.trusted?
  - id: velocity
    depends_on: [high-amount]
    score: 25
    on_error:
      policy: fallback
      fallback_triggered: true
    conditions:
      - agg:
          op: count
          metric: event.amount
          window: last_7d
          filter:
            field: status
            op: eq
            value: failed
        op: gte
        value: 3
`
	defs, err := LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v, want nil", err)
	}
	if len(defs.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(defs.Rules))
	}

	r := defs.Rules[0]
	if r.ID != "high-amount" || r.Name != "High transaction amount" {
		t.Errorf("rule = {%s, %s}", r.ID, r.Name)
	}
	if len(r.EventTypes) != 2 || r.EventTypes[0] != "payment" {
		t.Errorf("EventTypes = %v", r.EventTypes)
	}
	if r.Score != 45 {
		t.Errorf("Score = %v, want 45", r.Score)
	}
	if len(r.Conditions) != 2 {
		t.Fatalf("len(Conditions) = %d, want 2", len(r.Conditions))
	}
	cmp, ok := r.Conditions[0].(*expr.Compare)
	if !ok || cmp.Op != expr.CmpGt {
		t.Errorf("Conditions[0] = %T, want gt compare", r.Conditions[0])
	}
	all, ok := r.Conditions[1].(*expr.All)
	if !ok || len(all.Terms) != 2 {
		t.Fatalf("Conditions[1] = %T, want all with 2 terms", r.Conditions[1])
	}
	in, ok := all.Terms[0].(*expr.In)
	if !ok || !in.Fold {
		t.Errorf("all.Terms[0] = %T, want folded in", all.Terms[0])
	}
	not, ok := all.Terms[1].(*expr.Not)
	if !ok {
		t.Fatalf("all.Terms[1] = %T, want not", all.Terms[1])
	}
	if _, ok := not.X.(*expr.Exists); !ok {
		t.Errorf("not.X = %T, want exists", not.X)
	}

	v := defs.Rules[1]
	if len(v.DependsOn) != 1 || v.DependsOn[0] != "high-amount" {
		t.Errorf("DependsOn = %v", v.DependsOn)
	}
	if v.OnError.Policy != rules.PolicyFallback || !v.OnError.FallbackTriggered {
		t.Errorf("OnError = %+v, want fallback with fallback_triggered", v.OnError)
	}
	vcmp, ok := v.Conditions[0].(*expr.Compare)
	if !ok {
		t.Fatalf("Conditions[0] = %T, want compare over agg", v.Conditions[0])
	}
	agc, ok := vcmp.L.(*expr.AggCall)
	if !ok {
		t.Fatalf("compare subject = %T, want agg call", vcmp.L)
	}
	if agc.Metric != "event.amount" || agc.Window != 7*24*time.Hour {
		t.Errorf("AggCall = {metric: %s, window: %v}", agc.Metric, agc.Window)
	}
	if agc.Filter == nil {
		t.Errorf("AggCall.Filter = nil, want filter condition")
	}
}

func TestLoadBytes_Ruleset(t *testing.T) {
	doc := `
rulesets:
  - id: fraud-screen
    rules: [high-amount, velocity]
    on_error:
      policy: skip
    decision_logic:
      - condition:
          field: total_score
          op: gte
          value: 80
        action: deny
        terminate: true
      - condition:
          field: total_score
          op: gte
          value: 40
        action:
          infer:
            data_snapshot: [event.amount, event.user.email]
            exclude: [event.card_number]
      - condition:
          field: total_score
          op: gte
          value: 20
        action: escalate
      - default: true
        action: approve
`
	defs, err := LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v, want nil", err)
	}
	if len(defs.Rulesets) != 1 {
		t.Fatalf("len(Rulesets) = %d, want 1", len(defs.Rulesets))
	}

	rs := defs.Rulesets[0]
	if rs.ID != "fraud-screen" || len(rs.RuleIDs) != 2 {
		t.Errorf("ruleset = {%s, %v}", rs.ID, rs.RuleIDs)
	}
	if rs.OnError.Policy != rules.PolicySkip {
		t.Errorf("OnError.Policy = %v, want skip", rs.OnError.Policy)
	}
	if len(rs.DecisionLogic) != 4 {
		t.Fatalf("len(DecisionLogic) = %d, want 4", len(rs.DecisionLogic))
	}

	deny := rs.DecisionLogic[0]
	if deny.Action.Kind != types.ActionDeny || !deny.Terminate {
		t.Errorf("clause 0 = {%v, terminate: %v}, want deny+terminate", deny.Action.Kind, deny.Terminate)
	}
	infer := rs.DecisionLogic[1]
	if infer.Action.Kind != types.ActionInfer {
		t.Fatalf("clause 1 action = %v, want infer", infer.Action.Kind)
	}
	if len(infer.Action.Snapshot.Paths) != 2 || len(infer.Action.Snapshot.Exclude) != 1 {
		t.Errorf("snapshot = %+v, want 2 paths and 1 exclude", infer.Action.Snapshot)
	}
	custom := rs.DecisionLogic[2]
	if custom.Action.Kind != types.ActionCustom || custom.Action.Name != "escalate" {
		t.Errorf("clause 2 action = %+v, want custom escalate", custom.Action)
	}
	dflt := rs.DecisionLogic[3]
	if !dflt.Default || dflt.Action.Kind != types.ActionApprove || dflt.Condition != nil {
		t.Errorf("clause 3 = %+v, want unconditional default approve", dflt)
	}
}

func TestLoadBytes_Pipeline(t *testing.T) {
	doc := `
pipelines:
  - id: checkout
    budget: 600ms
    vars:
      review_threshold: 40
    steps:
      - id: trusted
        if:
          field: event.user.trusted
          op: eq
          value: true
        early_exit:
          action: approve
          reason: trusted customer
      - id: enrich
        timeout: 150ms
        on_error:
          policy: fallback
          fallback:
            country: unknown
        call:
          invoker: geo
          args:
            ip:
              field: event.ip
            source: checkout
      - id: fanout
        parallel:
          merge: fastest
          steps:
            - id: primary
              call:
                invoker: score-primary
            - id: replica
              call:
                invoker: score-replica
      - id: combined
        aggregate:
          method: weighted
          sources: [primary, replica]
          field: score
          weights:
            primary: 0.7
            replica: 0.3
      - id: route
        branch:
          when:
            - condition:
                field: combined
                op: gt
                value: 50
              steps:
                - id: screen
                  ruleset: fraud-screen
          default:
            - id: shared
              include: common-screen
`
	defs, err := LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v, want nil", err)
	}
	if len(defs.Pipelines) != 1 {
		t.Fatalf("len(Pipelines) = %d, want 1", len(defs.Pipelines))
	}

	p := defs.Pipelines[0]
	if p.Budget != 600*time.Millisecond {
		t.Errorf("Budget = %v, want 600ms", p.Budget)
	}
	if v, ok := p.Vars["review_threshold"]; !ok || !v.Equal(types.Number(40)) {
		t.Errorf("Vars[review_threshold] = %v", v.Display())
	}
	if len(p.Steps) != 5 {
		t.Fatalf("len(Steps) = %d, want 5", len(p.Steps))
	}

	exit := p.Steps[0]
	if exit.If == nil || exit.Exit == nil || exit.Exit.Action.Kind != types.ActionApprove {
		t.Errorf("step 0 = %+v, want guarded early exit approve", exit)
	}

	call := p.Steps[1]
	if call.Timeout != 150*time.Millisecond {
		t.Errorf("step 1 Timeout = %v, want 150ms", call.Timeout)
	}
	if call.OnError.Policy != rules.PolicyFallback {
		t.Errorf("step 1 OnError = %+v, want fallback", call.OnError)
	}
	if c, _ := call.OnError.Fallback.Field("country"); !c.Equal(types.String("unknown")) {
		t.Errorf("fallback.country = %v, want unknown", c.Display())
	}
	if call.Call == nil || call.Call.Invoker != "geo" {
		t.Fatalf("step 1 Call = %+v, want geo invoker", call.Call)
	}
	if _, ok := call.Call.Args["ip"].(*expr.Field); !ok {
		t.Errorf("args.ip = %T, want field reference", call.Call.Args["ip"])
	}
	if _, ok := call.Call.Args["source"].(*expr.Literal); !ok {
		t.Errorf("args.source = %T, want literal", call.Call.Args["source"])
	}

	par := p.Steps[2]
	if par.Parallel == nil || par.Parallel.Merge != pipeline.MergeAny {
		t.Errorf("step 2 = %+v, want parallel with fastest -> any", par.Parallel)
	}

	agg := p.Steps[3]
	if agg.Aggregate == nil || agg.Aggregate.Method != pipeline.AggWeighted {
		t.Fatalf("step 3 = %+v, want weighted aggregate", agg.Aggregate)
	}
	if w := agg.Aggregate.Weights["primary"]; w != 0.7 {
		t.Errorf("Weights[primary] = %v, want 0.7", w)
	}

	branch := p.Steps[4]
	if branch.Branch == nil || len(branch.Branch.Cases) != 1 || len(branch.Branch.Default) != 1 {
		t.Fatalf("step 4 = %+v, want branch with 1 case and default", branch.Branch)
	}
	if branch.Branch.Cases[0].Steps[0].Ruleset != "fraud-screen" {
		t.Errorf("branch case step = %+v, want ruleset fraud-screen", branch.Branch.Cases[0].Steps[0])
	}
	if branch.Branch.Default[0].Include != "common-screen" {
		t.Errorf("branch default step = %+v, want include common-screen", branch.Branch.Default[0])
	}
}

func TestLoadBytes_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name: "condition without operator",
			doc: `
rules:
  - id: r
    conditions:
      - field: event.amount
        value: 1
`,
			wantMsg: "no operator",
		},
		{
			name: "condition without subject",
			doc: `
rules:
  - id: r
    conditions:
      - op: gt
        value: 1
`,
			wantMsg: "no subject",
		},
		{
			name: "condition without value",
			doc: `
rules:
  - id: r
    conditions:
      - field: event.amount
        op: gt
`,
			wantMsg: "no value",
		},
		{
			name: "unknown operator",
			doc: `
rules:
  - id: r
    conditions:
      - field: event.amount
        op: matches
        value: 1
`,
			wantMsg: `unknown operator "matches"`,
		},
		{
			name: "bad field path",
			doc: `
rules:
  - id: r
    conditions:
      - field: "a..b"
        op: gt
        value: 1
`,
			wantMsg: "bad field path",
		},
		{
			name: "bad aggregation op",
			doc: `
rules:
  - id: r
    conditions:
      - agg:
          op: variance
          metric: amount
          window: last_7d
        op: gt
        value: 1
`,
			wantMsg: "bad aggregation op",
		},
		{
			name: "percentile param out of range",
			doc: `
rules:
  - id: r
    conditions:
      - agg:
          op: percentile
          metric: amount
          window: last_7d
          param: 150
        op: gt
        value: 1
`,
			wantMsg: "percentile param",
		},
		{
			name: "percentile param missing",
			doc: `
rules:
  - id: r
    conditions:
      - agg:
          op: percentile
          metric: amount
          window: last_7d
        op: gt
        value: 1
`,
			wantMsg: "percentile param",
		},
		{
			name: "bad aggregation window",
			doc: `
rules:
  - id: r
    conditions:
      - agg:
          op: count
          metric: amount
          window: sevendays
        op: gt
        value: 1
`,
			wantMsg: "bad aggregation window",
		},
		{
			name: "aggregation without metric",
			doc: `
rules:
  - id: r
    conditions:
      - agg:
          op: count
          window: last_7d
        op: gt
        value: 1
`,
			wantMsg: "without metric",
		},
		{
			name: "unknown error policy",
			doc: `
rules:
  - id: r
    on_error:
      policy: ignore
    conditions:
      - field: event.amount
        op: gt
        value: 1
`,
			wantMsg: `unknown error policy "ignore"`,
		},
		{
			name: "ternary missing else",
			doc: `
rules:
  - id: r
    conditions:
      - if:
          field: a
          op: gt
          value: 1
        then:
          field: b
          op: gt
          value: 2
`,
			wantMsg: "then and else",
		},
		{
			name: "infer without snapshot",
			doc: `
rulesets:
  - id: rs
    rules: [r]
    decision_logic:
      - condition:
          field: total_score
          op: gte
          value: 40
        action:
          infer: {}
      - default: true
        action: approve
`,
			wantMsg: "without data snapshot paths",
		},
		{
			name: "empty action",
			doc: `
rulesets:
  - id: rs
    rules: [r]
    decision_logic:
      - default: true
        action: ""
`,
			wantMsg: "empty action",
		},
		{
			name: "bad pipeline budget",
			doc: `
pipelines:
  - id: p
    budget: fast
    steps:
      - id: x
        include: other
`,
			wantMsg: "bad budget",
		},
		{
			name: "bad step timeout",
			doc: `
pipelines:
  - id: p
    steps:
      - id: x
        timeout: soon
        include: other
`,
			wantMsg: "bad timeout",
		},
		{
			name: "call without invoker",
			doc: `
pipelines:
  - id: p
    steps:
      - id: x
        call:
          args:
            a: 1
`,
			wantMsg: "without invoker",
		},
		{
			name: "unknown merge strategy",
			doc: `
pipelines:
  - id: p
    steps:
      - id: x
        parallel:
          merge: quorum-ish
          steps:
            - id: y
              include: other
`,
			wantMsg: `unknown merge strategy "quorum-ish"`,
		},
		{
			name: "unknown aggregate method",
			doc: `
pipelines:
  - id: p
    steps:
      - id: x
        aggregate:
          method: median
          sources: [a]
`,
			wantMsg: `unknown aggregate method "median"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.doc))
			if err == nil {
				t.Fatalf("LoadBytes() error = nil, want %q", tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("LoadBytes() error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v, want nil", name, err)
		}
	}

	write("rules.yaml", `
rules:
  - id: high-amount
    score: 45
    conditions:
      - field: event.amount
        op: gt
        value: 900
`)
	write("rulesets.yml", `
rulesets:
  - id: fraud-screen
    rules: [high-amount]
    decision_logic:
      - condition:
          field: total_score
          op: gte
          value: 40
        action: review
      - default: true
        action: approve
`)
	write("pipelines.yaml", `
pipelines:
  - id: checkout
    steps:
      - id: screen
        ruleset: fraud-screen
`)
	write("README.md", "not a definition file")

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v, want nil", err)
	}
	if len(defs.Rules) != 1 || len(defs.Rulesets) != 1 || len(defs.Pipelines) != 1 {
		t.Errorf("defs = {%d rules, %d rulesets, %d pipelines}, want 1 of each",
			len(defs.Rules), len(defs.Rulesets), len(defs.Pipelines))
	}
}

func TestLoadDir_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(bad, []byte("rules: {not: a list}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v, want nil", err)
	}

	_, err := LoadDir(dir)
	if err == nil {
		t.Fatalf("LoadDir() error = nil, want parse failure")
	}
	if !strings.Contains(err.Error(), "broken.yaml") {
		t.Errorf("LoadDir() error = %q, want offending file name", err)
	}
}
