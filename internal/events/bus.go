// Package events implements the in-process typed publish/subscribe bus the
// core uses to broadcast lifecycle notifications.
//
// Delivery is best-effort and in-memory: a single dispatcher goroutine
// drains a bounded queue and invokes handlers synchronously in registration
// order, so events from one publisher reach each subscriber in publish
// order. A panicking handler never prevents the remaining handlers from
// seeing the event. Consumers needing durability must persist themselves.
package events

import (
	"sync"
	"sync/atomic"

	"chimera/internal/async"
	"chimera/internal/domain/event"
	"chimera/internal/ids"
	"chimera/internal/logging"
)

// Handler consumes a single event. Handlers should be non-blocking; long
// work belongs on the handler's own goroutine.
type Handler func(event.Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id        string
	eventType event.Type // empty = all types
	handler   Handler
}

// Stats reports bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

const (
	defaultQueueSize   = 1024
	defaultHistorySize = 1000
)

// Bus is the in-process event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	queue chan event.Event
	done  chan struct{}

	// history keeps a bounded per-correlation ring for replay to late
	// subscribers (websocket bridges).
	historyMu   sync.RWMutex
	history     map[string][]event.Event
	historySize int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	logger logging.Logger
}

// Option customises bus construction.
type Option func(*Bus)

// WithQueueSize overrides the dispatch queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan event.Event, n)
		}
	}
}

// WithHistorySize overrides the per-correlation replay ring capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.historySize = n
		}
	}
}

// NewBus creates and starts an event bus.
func NewBus(logger logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		queue:       make(chan event.Event, defaultQueueSize),
		done:        make(chan struct{}),
		history:     make(map[string][]event.Event),
		historySize: defaultHistorySize,
		logger:      logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	async.Go(b.logger, "events.dispatch", b.dispatch)
	return b
}

// Publish enqueues an event for delivery. It never blocks: when the queue is
// full the event is counted as dropped.
//
// The read lock is held across the send so Close cannot close the queue
// between the closed-check and the enqueue. The send is non-blocking, so a
// full queue never holds the lock.
func (b *Bus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.recordHistory(ev)
	b.published.Add(1)

	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bus queue full, dropping %s (correlation=%s)", ev.Type, ev.CorrelationID)
	}
}

// Subscribe registers a handler for one event type. Handlers for the same
// type run in registration order.
func (b *Bus) Subscribe(t event.Type, handler Handler) *Subscription {
	return b.subscribe(t, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(t event.Type, handler Handler) *Subscription {
	if handler == nil {
		return nil
	}
	sub := &Subscription{id: ids.NewSubscriptionID(), eventType: t, handler: handler}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subs {
		if candidate.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Replay returns the recorded events for a correlation id, oldest first.
func (b *Bus) Replay(correlationID string) []event.Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	return append([]event.Event(nil), b.history[correlationID]...)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Close stops the dispatcher after draining queued events. Publish becomes a
// no-op once closing starts.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	// Closing under the write lock excludes in-flight Publish calls, which
	// hold the read lock across their send.
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		subs := append([]*Subscription(nil), b.subs...)
		b.mu.RUnlock()

		for _, sub := range subs {
			if sub.eventType != "" && sub.eventType != ev.Type {
				continue
			}
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *Subscription, ev event.Event) {
	defer async.Recover(b.logger, "events.deliver")
	sub.handler(ev)
	b.delivered.Add(1)
}

func (b *Bus) recordHistory(ev event.Event) {
	if b.historySize == 0 || ev.CorrelationID == "" {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	ring := append(b.history[ev.CorrelationID], ev)
	if len(ring) > b.historySize {
		ring = ring[len(ring)-b.historySize:]
	}
	b.history[ev.CorrelationID] = ring
}
