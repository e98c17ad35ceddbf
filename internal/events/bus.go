// Package events provides the in-process publish/subscribe fan-out of run events,
// keyed by run id.
//
// Publishing to a run with no subscribers is a no-op: events are not queued for
// late subscribers, since the durable state lives on the run record. Delivery is
// synchronous and, per run id, happens in publish order.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Handler receives published events. It runs on the publisher's goroutine and
// must not publish to the same run id.
type Handler func(types.Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(types.Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// topic holds the subscribers of one run id. dispatch serializes publishes so
// every subscriber sees the run's events in publish order.
type topic struct {
	dispatch sync.Mutex
	subs     []subscription
}

// Bus is a goroutine-safe registry of run id to subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]*topic
	nextID atomic.Uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[uuid.UUID]*topic),
		logger: logger,
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus   *Bus
	runID uuid.UUID
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once and from
// inside the handler itself.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.runID, s.id)
	})
}

// Subscribe registers handler for every subsequent event of runID.
func (b *Bus) Subscribe(runID uuid.UUID, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{}
		b.topics[runID] = t
	}
	id := b.nextID.Add(1)
	t.subs = append(t.subs, subscription{id: id, handler: handler})

	return &Subscription{bus: b, runID: runID, id: id}
}

func (b *Bus) remove(runID uuid.UUID, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		return
	}
	for i, sub := range t.subs {
		if sub.id == id {
			// Copy instead of re-slicing so in-flight dispatch snapshots stay intact.
			subs := make([]subscription, 0, len(t.subs)-1)
			subs = append(subs, t.subs[:i]...)
			t.subs = append(subs, t.subs[i+1:]...)
			break
		}
	}
	if len(t.subs) == 0 {
		delete(b.topics, runID)
	}
}

// Publish delivers e to every handler currently subscribed to e.RunID, in
// registration order. A panicking handler is logged and skipped.
func (b *Bus) Publish(e types.Event) {
	b.mu.RLock()
	t, ok := b.topics[e.RunID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	b.mu.RLock()
	subs := make([]subscription, len(t.subs))
	copy(subs, t.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"run_id", e.RunID,
				"event_type", e.Type,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriberCount returns the number of handlers subscribed to runID.
func (b *Bus) SubscriberCount(runID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t, ok := b.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}

// TopicCount returns the number of run ids with at least one subscriber.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
