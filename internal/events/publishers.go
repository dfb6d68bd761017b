package events

import (
	"context"
	"log/slog"
	"sync"
)

// LogPublisher writes every event to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher logging at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "inventory event",
		"event_id", event.ID,
		"type", event.Type,
		"identity_id", event.IdentityID,
		"code", event.Code,
		"actor_id", event.ActorID,
	)
	return nil
}

// Close implements Publisher.
func (*LogPublisher) Close() error { return nil }

// MemoryPublisher retains published events. Useful in tests and previews.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewMemoryPublisher returns an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{notify: make(chan struct{}, 1)}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Close implements Publisher.
func (*MemoryPublisher) Close() error { return nil }
