// Package events carries post-commit notifications about inventory mutations
// to an external publisher without blocking the mutating request.
package events

import (
	"context"
	"time"
)

// Type identifies an event. It doubles as the routing key on message brokers.
type Type string

// Event types emitted after a committed mutation.
const (
	TypeRegistered Type = "identity.registered"
	TypeMoved      Type = "identity.moved"
	TypeRetired    Type = "identity.retired"
	TypeSplit      Type = "trace.split"
	TypeMerged     Type = "trace.merged"
)

// Event describes a committed mutation of one identity. Data carries
// type-specific attributes such as the destination parent of a move.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	IdentityID string            `json:"identity_id"`
	Code       string            `json:"code"`
	Category   string            `json:"category"`
	ActorID    string            `json:"actor_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher delivers events to a sink. Publish may block on I/O.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Sink accepts events without blocking. Dispatcher implements it.
type Sink interface {
	Enqueue(event Event) bool
}
