// Package publish is the messaging boundary: decisions and infer data
// snapshots go out over NATS subjects; asynchronous cognition callbacks
// come back in, authenticated with HMAC-SHA256 signatures before they
// may replace an interim decision.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/verdictlab/verdict/internal/types"
)

// decisionMsg is the outbound decision wire format.
type decisionMsg struct {
	ExecutionID    string   `json:"execution_id"`
	PipelineID     string   `json:"pipeline_id"`
	EventID        string   `json:"event_id"`
	Action         string   `json:"action"`
	Score          float64  `json:"score"`
	TriggeredRules []string `json:"triggered_rules"`
	Reason         string   `json:"reason"`
	Confidence     float64  `json:"confidence,omitempty"`
	Interim        bool     `json:"interim"`
	State          string   `json:"state"`
}

// snapshotMsg carries an infer data snapshot to the cognition
// collaborator.
type snapshotMsg struct {
	ExecutionID  string          `json:"execution_id"`
	PipelineID   string          `json:"pipeline_id"`
	EventID      string          `json:"event_id"`
	DataSnapshot json.RawMessage `json:"data_snapshot"`
}

// Publisher emits decisions and snapshots. Publishes are fire-and-
// forget; downstream consumers own their delivery guarantees.
type Publisher struct {
	nc              *nats.Conn
	decisionSubject string
	snapshotSubject string
	logger          *slog.Logger
}

// NewPublisher wraps an established NATS connection.
func NewPublisher(nc *nats.Conn, decisionSubject, snapshotSubject string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		nc:              nc,
		decisionSubject: decisionSubject,
		snapshotSubject: snapshotSubject,
		logger:          logger,
	}
}

// DecisionPayload renders the outbound decision wire format. Shared by
// the publish path and the request-reply ingress.
func DecisionPayload(fd types.FinalDecision) ([]byte, error) {
	msg := decisionMsg{
		ExecutionID:    string(fd.ExecutionID),
		PipelineID:     fd.PipelineID,
		EventID:        string(fd.EventID),
		Action:         fd.Action.Wire(),
		Score:          fd.Score,
		TriggeredRules: fd.TriggeredRules,
		Reason:         fd.Reason,
		Confidence:     fd.Confidence,
		Interim:        fd.Interim,
		State:          fd.State.String(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return data, nil
}

// PublishDecision emits one final (or interim) decision.
func (p *Publisher) PublishDecision(fd types.FinalDecision) error {
	data, err := DecisionPayload(fd)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.decisionSubject, data); err != nil {
		return fmt.Errorf("publish decision %s: %w", fd.ExecutionID, err)
	}
	return nil
}

// PublishSnapshot forwards a decision's captured data snapshot for
// asynchronous analysis. Never called on the synchronous decision path.
func (p *Publisher) PublishSnapshot(fd types.FinalDecision) error {
	snapshot, err := json.Marshal(fd.DataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	msg := snapshotMsg{
		ExecutionID:  string(fd.ExecutionID),
		PipelineID:   fd.PipelineID,
		EventID:      string(fd.EventID),
		DataSnapshot: snapshot,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal snapshot message: %w", err)
	}
	if err := p.nc.Publish(p.snapshotSubject, data); err != nil {
		return fmt.Errorf("publish snapshot %s: %w", fd.ExecutionID, err)
	}
	return nil
}
