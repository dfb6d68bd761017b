package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize bounds the dispatcher backlog when no size is configured.
const DefaultQueueSize = 256

const publishTimeout = 5 * time.Second

// Dispatcher decouples publishing from the request path. Events are queued
// in a bounded buffer and published by a single worker in enqueue order.
// When the buffer is full new events are dropped and counted.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	queue     chan Event
	done      chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher starts the worker goroutine. Close must be called to stop it.
func NewDispatcher(publisher Publisher, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan Event, size),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules an event for publishing. It reports false when the event
// was dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(event Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("event queue full, dropping event", "type", event.Type, "identity_id", event.IdentityID, "dropped_total", n)
		return false
	}
}

// Dropped returns the number of events discarded so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, drains the queue and closes the publisher.
// Events still queued when ctx expires are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.publisher.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error("publish event", "type", event.Type, "identity_id", event.IdentityID, "error", err)
		}
		cancel()
	}
}
