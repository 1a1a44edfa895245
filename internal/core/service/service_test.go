package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/core/store"
	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/registry"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

func scoreAtLeast(threshold float64) expr.Node {
	return &expr.Compare{
		Op: expr.CmpGte,
		L:  &expr.Field{Path: expr.MustParsePath("total_score")},
		R:  &expr.Literal{Val: types.Number(threshold)},
	}
}

func testDefinitions(t *testing.T) registry.Definitions {
	t.Helper()
	highAmount := &rules.Rule{
		ID: "high-amount",
		Conditions: []expr.Node{&expr.Compare{
			Op: expr.CmpGt,
			L:  &expr.Field{Path: expr.MustParsePath("event.amount")},
			R:  &expr.Literal{Val: types.Number(900)},
		}},
		Score: 45,
	}
	return registry.Definitions{
		Rules: []*rules.Rule{highAmount},
		Rulesets: []*ruleset.Ruleset{
			{
				ID:      "fraud-screen",
				RuleIDs: []string{"high-amount"},
				DecisionLogic: []ruleset.Clause{
					{Condition: scoreAtLeast(40), Action: types.Deny()},
					{Default: true, Action: types.Approve()},
				},
			},
			{
				ID:      "deep-screen",
				RuleIDs: []string{"high-amount"},
				DecisionLogic: []ruleset.Clause{
					{Condition: scoreAtLeast(40),
						Action: types.Infer(types.SnapshotSpec{Paths: []string{"event.amount"}})},
					{Default: true, Action: types.Approve()},
				},
			},
			{
				// Deny wins but does not terminate; the trailing infer
				// clause still captures its snapshot
				ID:      "screen-and-capture",
				RuleIDs: []string{"high-amount"},
				DecisionLogic: []ruleset.Clause{
					{Condition: scoreAtLeast(40), Action: types.Deny()},
					{Condition: scoreAtLeast(10),
						Action: types.Infer(types.SnapshotSpec{Paths: []string{"event.amount"}})},
					{Default: true, Action: types.Approve()},
				},
			},
		},
		Pipelines: []*pipeline.Pipeline{
			{ID: "checkout", Steps: []pipeline.Step{{ID: "screen", Ruleset: "fraud-screen"}}},
			{ID: "deep-checkout", Steps: []pipeline.Step{{ID: "screen", Ruleset: "deep-screen"}}},
			{ID: "capture-checkout", Steps: []pipeline.Step{{ID: "screen", Ruleset: "screen-and-capture"}}},
		},
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	decisions []types.FinalDecision
	snapshots chan types.FinalDecision
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{snapshots: make(chan types.FinalDecision, 4)}
}

func (p *fakePublisher) PublishDecision(fd types.FinalDecision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, fd)
	return nil
}

func (p *fakePublisher) PublishSnapshot(fd types.FinalDecision) error {
	p.snapshots <- fd
	return nil
}

func (p *fakePublisher) awaitSnapshot(t *testing.T) types.FinalDecision {
	t.Helper()
	select {
	case fd := <-p.snapshots:
		return fd
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshot not forwarded")
		return types.FinalDecision{}
	}
}

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	return testServiceWith(t, nil)
}

func testServiceWith(t *testing.T, pub Publisher) (*Service, *store.Store) {
	t.Helper()
	reg, err := registry.Build(testDefinitions(t))
	if err != nil {
		t.Fatalf("registry.Build() error = %v, want nil", err)
	}

	db, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "verdict.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v, want nil", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v, want nil", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New() error = %v, want nil", err)
	}

	svc := New(Config{
		Registry:  reg,
		Provider:  agg.NewMemoryProvider(),
		Store:     st,
		Publisher: pub,
		Workers:   4,
		Budget:    2 * time.Second,
	})
	return svc, st
}

func paymentEvent(amount float64) *types.Event {
	return &types.Event{
		ID:        types.NewEventID(),
		Type:      "payment",
		Timestamp: time.Now().UTC(),
		Payload: types.Object(map[string]types.Value{
			"amount": types.Number(amount),
		}),
	}
}

func TestDecide_AuditsDecision(t *testing.T) {
	svc, st := testService(t)

	fd, err := svc.Decide(context.Background(), "checkout", paymentEvent(6000))
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}
	if fd.Action.Kind != types.ActionDeny || fd.Score != 45 {
		t.Errorf("decision = {%v, %v}, want deny/45", fd.Action.Kind, fd.Score)
	}
	if fd.State != types.ExecCompleted {
		t.Errorf("State = %v, want completed", fd.State)
	}

	rec, err := st.Get(fd.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v, want audited execution", err)
	}
	if rec.Action != "deny" || rec.EventType != "payment" || rec.Interim != 0 {
		t.Errorf("audit record = {%s, %s, %d}", rec.Action, rec.EventType, rec.Interim)
	}
}

func TestDecide_UnknownPipeline(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Decide(context.Background(), "ghost", paymentEvent(100))
	var ce *types.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Decide() error = %v, want *types.ConfigError", err)
	}
}

func TestDecide_InterimThenRefine(t *testing.T) {
	svc, st := testService(t)

	fd, err := svc.Decide(context.Background(), "deep-checkout", paymentEvent(6000))
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}
	// The synchronous caller sees the interim action, never infer itself
	if fd.Action.Kind != types.ActionReview || !fd.Interim {
		t.Fatalf("decision = {%v, interim: %v}, want review/interim", fd.Action.Kind, fd.Interim)
	}

	rec, err := st.Get(fd.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if rec.Interim != 1 {
		t.Fatalf("audit Interim = %d, want 1 before refinement", rec.Interim)
	}

	upd := types.DecisionUpdate{
		ExecutionID: fd.ExecutionID,
		NewAction:   types.Deny(),
		Confidence:  0.95,
		Reason:      "async model flagged as fraud",
	}
	if err := svc.UpdateDecision(context.Background(), upd); err != nil {
		t.Fatalf("UpdateDecision() error = %v, want nil", err)
	}

	rec, err = st.Get(fd.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if rec.Action != "deny" || rec.Confidence != 0.95 || rec.Interim != 0 {
		t.Errorf("refined record = {%s, %v, %d}, want deny/0.95/0", rec.Action, rec.Confidence, rec.Interim)
	}

	// Replace-once
	if err := svc.UpdateDecision(context.Background(), upd); !errors.Is(err, types.ErrDecisionFinal) {
		t.Errorf("second UpdateDecision() error = %v, want ErrDecisionFinal", err)
	}
}

func TestDecide_ForwardsInterimSnapshot(t *testing.T) {
	pub := newFakePublisher()
	svc, _ := testServiceWith(t, pub)

	fd, err := svc.Decide(context.Background(), "deep-checkout", paymentEvent(6000))
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}
	if !fd.Interim {
		t.Fatalf("Interim = false, want true")
	}

	snap := pub.awaitSnapshot(t)
	if snap.ExecutionID != fd.ExecutionID {
		t.Errorf("forwarded ExecutionID = %s, want %s", snap.ExecutionID, fd.ExecutionID)
	}
	if snap.DataSnapshot.IsNull() {
		t.Errorf("forwarded DataSnapshot = null, want extracted paths")
	}
}

func TestDecide_ForwardsTrailingInferSnapshot(t *testing.T) {
	pub := newFakePublisher()
	svc, _ := testServiceWith(t, pub)

	fd, err := svc.Decide(context.Background(), "capture-checkout", paymentEvent(6000))
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}
	// The deny clause wins; the decision is final, not interim
	if fd.Action.Kind != types.ActionDeny || fd.Interim {
		t.Fatalf("decision = {%v, interim: %v}, want deny/final", fd.Action.Kind, fd.Interim)
	}

	// The trailing infer clause's snapshot still goes to async analysis
	snap := pub.awaitSnapshot(t)
	if snap.ExecutionID != fd.ExecutionID {
		t.Errorf("forwarded ExecutionID = %s, want %s", snap.ExecutionID, fd.ExecutionID)
	}

	pub.mu.Lock()
	published := len(pub.decisions)
	pub.mu.Unlock()
	if published != 1 {
		t.Errorf("published decisions = %d, want 1", published)
	}
}

func TestDecide_NoSnapshotNoForward(t *testing.T) {
	pub := newFakePublisher()
	svc, _ := testServiceWith(t, pub)

	if _, err := svc.Decide(context.Background(), "checkout", paymentEvent(6000)); err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}

	select {
	case <-pub.snapshots:
		t.Errorf("snapshot forwarded for a decision without an infer capture")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpdateDecision_FinalDecisionStaysFinal(t *testing.T) {
	svc, _ := testService(t)

	fd, err := svc.Decide(context.Background(), "checkout", paymentEvent(6000))
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil", err)
	}

	err = svc.UpdateDecision(context.Background(), types.DecisionUpdate{
		ExecutionID: fd.ExecutionID,
		NewAction:   types.Approve(),
		Confidence:  0.5,
	})
	if !errors.Is(err, types.ErrDecisionFinal) {
		t.Fatalf("UpdateDecision() error = %v, want ErrDecisionFinal", err)
	}
}

func TestUpdateDecision_UnknownExecution(t *testing.T) {
	svc, _ := testService(t)

	err := svc.UpdateDecision(context.Background(), types.DecisionUpdate{
		ExecutionID: types.NewExecutionID(),
		NewAction:   types.Approve(),
	})
	if !errors.Is(err, types.ErrExecutionNotFound) {
		t.Fatalf("UpdateDecision() error = %v, want ErrExecutionNotFound", err)
	}
}
