package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/verdictlab/verdict/internal/types"
)

// ExecutionRecord is one audit row per pipeline execution. The callback
// path updates action/confidence/reason in place while the execution id
// stays the clustering key (UUIDv7, time-ordered).
//
// Timestamps are RFC3339 TEXT in both backends; interim is 0/1 for
// SQLite compatibility.
type ExecutionRecord struct {
	ExecutionID    string  `db:"execution_id"`
	PipelineID     string  `db:"pipeline_id"`
	EventID        string  `db:"event_id"`
	EventType      string  `db:"event_type"`
	Action         string  `db:"action"`
	Score          float64 `db:"score"`
	TriggeredRules string  `db:"triggered_rules"` // JSON array of rule ids
	Reason         string  `db:"reason"`
	Confidence     float64 `db:"confidence"`
	Interim        int     `db:"interim"`
	State          string  `db:"state"`
	Warnings       string  `db:"warnings"` // JSON array of {step_id, policy, msg}
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

// Store persists execution audit records.
type Store struct {
	q *Queries
}

// New wraps an open database with the named query set.
func New(db *sqlx.DB) (*Store, error) {
	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{q: q}, nil
}

type warningRow struct {
	StepID string `json:"step_id"`
	Policy string `json:"policy"`
	Msg    string `json:"msg"`
}

// RecordFromDecision maps a final decision to its audit row.
func RecordFromDecision(fd types.FinalDecision, eventType string, now time.Time) (ExecutionRecord, error) {
	triggered, err := json.Marshal(fd.TriggeredRules)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("marshal triggered rules: %w", err)
	}

	rows := make([]warningRow, len(fd.Warnings))
	for i, w := range fd.Warnings {
		rows[i] = warningRow{StepID: w.StepID, Policy: w.Policy, Msg: w.Msg}
	}
	warnings, err := json.Marshal(rows)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("marshal warnings: %w", err)
	}

	interim := 0
	if fd.Interim {
		interim = 1
	}
	ts := now.UTC().Format(time.RFC3339)

	return ExecutionRecord{
		ExecutionID:    string(fd.ExecutionID),
		PipelineID:     fd.PipelineID,
		EventID:        string(fd.EventID),
		EventType:      eventType,
		Action:         fd.Action.Wire(),
		Score:          fd.Score,
		TriggeredRules: string(triggered),
		Reason:         fd.Reason,
		Confidence:     fd.Confidence,
		Interim:        interim,
		State:          fd.State.String(),
		Warnings:       string(warnings),
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// Insert writes one execution record.
func (s *Store) Insert(rec ExecutionRecord) error {
	_, err := s.q.Exec("insert-execution",
		rec.ExecutionID, rec.PipelineID, rec.EventID, rec.EventType,
		rec.Action, rec.Score, rec.TriggeredRules, rec.Reason, rec.Confidence,
		rec.Interim, rec.State, rec.Warnings, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// Get retrieves one execution record by id.
func (s *Store) Get(id types.ExecutionID) (ExecutionRecord, error) {
	var rec ExecutionRecord
	err := s.q.Get("get-execution", &rec, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, types.ErrExecutionNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get execution %s: %w", id, err)
	}
	return rec, nil
}

// ApplyUpdate replaces an interim decision with the async refinement.
// The WHERE interim = 1 guard makes the replace-once semantics a
// database invariant, not just service-layer discipline.
func (s *Store) ApplyUpdate(upd types.DecisionUpdate, now time.Time) error {
	res, err := s.q.Exec("update-decision",
		upd.NewAction.Wire(), upd.Confidence, upd.Reason,
		now.UTC().Format(time.RFC3339), string(upd.ExecutionID))
	if err != nil {
		return fmt.Errorf("update decision %s: %w", upd.ExecutionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// Distinguish the two no-op cases for the caller
	if _, err := s.Get(upd.ExecutionID); err != nil {
		return err
	}
	return types.ErrDecisionFinal
}

// Recent lists the newest execution records. UUIDv7 ordering makes the
// id sort a time sort.
func (s *Store) Recent(limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []ExecutionRecord
	if err := s.q.Select("list-recent-executions", &recs, limit); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return recs, nil
}

// InterimCount reports how many decisions still await async refinement.
func (s *Store) InterimCount() (int, error) {
	var n int
	if err := s.q.Get("count-interim-executions", &n); err != nil {
		return 0, err
	}
	return n, nil
}
