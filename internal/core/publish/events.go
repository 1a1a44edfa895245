// internal/core/publish/events.go
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/verdictlab/verdict/internal/types"
)

// eventMsg is the inbound decision-request wire format. The payload is
// expected to be validated and type-coerced upstream; the core only
// maps it into the Value model.
type eventMsg struct {
	PipelineID string `json:"pipeline_id"`
	Event      struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Version   string          `json:"version"`
		Payload   json.RawMessage `json:"payload"`
	} `json:"event"`
}

// DecideFunc runs one pipeline execution. Wired to the decision
// service's Decide.
type DecideFunc func(ctx context.Context, pipelineID string, event *types.Event) (types.FinalDecision, error)

// EventConsumer subscribes to the event subject and drives one decision
// per message. Requests carrying a reply subject get the decision back
// (NATS request-reply); fire-and-forget requests rely on the decision
// subject.
type EventConsumer struct {
	nc      *nats.Conn
	subject string
	decide  DecideFunc
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewEventConsumer wires the event subject to the decision path.
func NewEventConsumer(nc *nats.Conn, subject string, decide DecideFunc, logger *slog.Logger) *EventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{nc: nc, subject: subject, decide: decide, logger: logger}
}

// Start subscribes. Each message is handled on its own goroutine so a
// slow pipeline never blocks the delivery loop.
func (c *EventConsumer) Start(ctx context.Context) error {
	sub, err := c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		go c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes.
func (c *EventConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

func (c *EventConsumer) handle(ctx context.Context, msg *nats.Msg) {
	event, pipelineID, err := parseEvent(msg.Data)
	if err != nil {
		c.logger.Warn("malformed event message", "error", err)
		return
	}

	fd, err := c.decide(ctx, pipelineID, event)
	if err != nil {
		c.logger.Error("decision request failed",
			"pipeline_id", pipelineID, "event_id", event.ID, "error", err)
	}
	if msg.Reply == "" {
		return
	}

	// Failed executions still answer the requester with the structured
	// terminal state rather than silence
	data, perr := DecisionPayload(fd)
	if perr != nil {
		c.logger.Error("decision reply marshal failed", "error", perr)
		return
	}
	if rerr := msg.Respond(data); rerr != nil {
		c.logger.Error("decision reply failed", "error", rerr)
	}
}

func parseEvent(data []byte) (*types.Event, string, error) {
	var raw eventMsg
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", err
	}
	if raw.PipelineID == "" {
		return nil, "", fmt.Errorf("event message without pipeline_id")
	}
	if raw.Event.Type == "" {
		return nil, "", fmt.Errorf("event without type")
	}

	payload := types.Null()
	if len(raw.Event.Payload) > 0 {
		v, err := types.FromJSON(raw.Event.Payload)
		if err != nil {
			return nil, "", fmt.Errorf("bad event payload: %w", err)
		}
		payload = v
	}

	id := types.EventID(raw.Event.ID)
	if id == "" {
		id = types.NewEventID()
	}
	ts := raw.Event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &types.Event{
		ID:        id,
		Type:      raw.Event.Type,
		Timestamp: ts,
		Version:   raw.Event.Version,
		Payload:   payload,
	}, raw.PipelineID, nil
}
