package types

import (
	"time"

	"github.com/google/uuid"
)

// EventID identifies one inbound event. UUIDv7 string alias: type safety
// with JSON string serialization, and time-ordering so sequential IDs
// cluster in B-tree indexes of the audit store.
type EventID string

// ExecutionID identifies one pipeline execution. The async cognition
// callback addresses its decision by this id.
type ExecutionID string

// NewEventID generates a UUIDv7 event identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

// NewExecutionID generates a UUIDv7 execution identifier.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.Must(uuid.NewV7()).String())
}

// ParseExecutionID validates and converts a string to ExecutionID.
// Rejects malformed UUIDs so invalid ids never reach the audit store.
func ParseExecutionID(s string) (ExecutionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return ExecutionID(s), nil
}

// ExecutionIDTime extracts the timestamp embedded in a UUIDv7 id.
// Enables time-based audit queries without a database lookup.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func ExecutionIDTime(id ExecutionID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
