// internal/core/publish/callback.go
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/verdictlab/verdict/internal/types"
)

// Header names for callback authentication.
const (
	HeaderKeyID     = "Verdict-Key-Id"
	HeaderSignature = "Verdict-Signature"
)

// callbackMsg is the inbound async refinement wire format.
type callbackMsg struct {
	ExecutionID string  `json:"execution_id"`
	NewAction   string  `json:"new_action"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// UpdateFunc applies a verified decision update. Wired to the decision
// service's UpdateDecision.
type UpdateFunc func(ctx context.Context, upd types.DecisionUpdate) error

// CallbackConsumer subscribes to the cognition callback subject,
// verifies each message's HMAC signature, and applies the update.
// Unverifiable or malformed messages are logged and dropped; the
// collaborator owns redelivery.
type CallbackConsumer struct {
	nc      *nats.Conn
	subject string
	secrets map[string][]byte
	apply   UpdateFunc
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewCallbackConsumer wires the callback subject to the update path.
func NewCallbackConsumer(nc *nats.Conn, subject string, secrets map[string][]byte, apply UpdateFunc, logger *slog.Logger) *CallbackConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackConsumer{nc: nc, subject: subject, secrets: secrets, apply: apply, logger: logger}
}

// Start subscribes. Message handling runs on the NATS delivery
// goroutine; the apply path must stay fast.
func (c *CallbackConsumer) Start(ctx context.Context) error {
	sub, err := c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes.
func (c *CallbackConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

func (c *CallbackConsumer) handle(ctx context.Context, msg *nats.Msg) {
	keyID := msg.Header.Get(HeaderKeyID)
	sig := msg.Header.Get(HeaderSignature)

	if err := VerifySignature(c.secrets, keyID, sig, msg.Data); err != nil {
		c.logger.Warn("rejected callback message", "key_id", keyID, "error", err)
		return
	}

	var raw callbackMsg
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		c.logger.Warn("malformed callback message", "error", err)
		return
	}

	upd, err := parseUpdate(raw)
	if err != nil {
		c.logger.Warn("invalid callback payload", "execution_id", raw.ExecutionID, "error", err)
		return
	}

	if err := c.apply(ctx, upd); err != nil {
		c.logger.Warn("callback update not applied",
			"execution_id", upd.ExecutionID, "error", err)
		return
	}
	c.logger.Info("decision refined by callback",
		"execution_id", upd.ExecutionID,
		"action", upd.NewAction.Wire(),
		"confidence", upd.Confidence)
}

func parseUpdate(raw callbackMsg) (types.DecisionUpdate, error) {
	id, err := types.ParseExecutionID(raw.ExecutionID)
	if err != nil {
		return types.DecisionUpdate{}, fmt.Errorf("bad execution id: %w", err)
	}
	action, err := ParseActionName(raw.NewAction)
	if err != nil {
		return types.DecisionUpdate{}, err
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return types.DecisionUpdate{}, fmt.Errorf("confidence %v out of range [0, 1]", raw.Confidence)
	}
	return types.DecisionUpdate{
		ExecutionID: id,
		NewAction:   action,
		Confidence:  raw.Confidence,
		Reason:      raw.Reason,
	}, nil
}

// ParseActionName maps a wire action string to the action variant.
// Infer is not accepted: a refinement can never defer again.
func ParseActionName(name string) (types.Action, error) {
	switch name {
	case "approve":
		return types.Approve(), nil
	case "deny":
		return types.Deny(), nil
	case "review":
		return types.Review(), nil
	case "", "infer":
		return types.Action{}, fmt.Errorf("invalid callback action %q", name)
	default:
		return types.Custom(name), nil
	}
}
