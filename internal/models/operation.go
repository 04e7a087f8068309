package models

import (
	"encoding/json"
	"time"
)

// Operation types. The web profile maps them onto HTTP verbs when replaying;
// the mobile profile treats Type as a free-form tag dispatched to a handler.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// QueuedOperation is a single pending mutation awaiting replay against the
// remote API. RetryCount is mutated only by the sync engine during a drain.
// Seq is the queue's monotonic enqueue counter; hydration orders by it
// because CreatedAt has millisecond resolution and can tie.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DroppedOperation records an operation evicted after exhausting retries.
type DroppedOperation struct {
	Operation QueuedOperation `json:"operation"`
	LastError string          `json:"last_error"`
	DroppedAt time.Time       `json:"dropped_at"`
}
