// Package bus implements the in-process publish/subscribe event bus that
// connects the pipeline stages.
//
// The bus is topic-based and fully asynchronous: Publish snapshots the
// subscriber set under a read lock and dispatches the event to each handler
// in its own goroutine, so a slow or stuck handler never delays the publisher
// or its sibling subscribers. Handler panics are recovered, logged and
// counted; they never propagate.
//
// Subscriber identity is the handler interface value, so subscribing the same
// handler to the same topic twice is a no-op and unsubscribing removes
// exactly that registration.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHistorySize is the number of recent events retained for
// introspection when no explicit size is configured.
const DefaultHistorySize = 1000

// Event is the envelope for everything published on the bus.
type Event struct {
	// Topic the event was published on.
	Topic string

	// Source names the component that published the event, e.g. "gateway"
	// or "worker-vad".
	Source string

	// CorrelationID ties the event to one chunk, "{session_id}:{chunk_id}".
	// Empty for events that are not chunk-scoped.
	CorrelationID string

	// Timestamp is when the event was published. Informational only; no
	// component may use it for ordering decisions.
	Timestamp time.Time

	// Payload is the typed per-topic body, one of the structs in pkg/types.
	Payload any
}

// Handler consumes events. Implementations must be comparable values
// (typically pointers); the bus uses the value itself as the subscription
// key.
type Handler interface {
	HandleEvent(ev Event)
}

type handlerFunc struct {
	fn func(Event)
}

func (h *handlerFunc) HandleEvent(ev Event) { h.fn(ev) }

// HandlerFunc wraps fn in a [Handler] with its own identity. Keep the
// returned value around if you need to unsubscribe it later; each call
// produces a distinct subscription key.
func HandlerFunc(fn func(Event)) Handler {
	return &handlerFunc{fn: fn}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	// Published counts Publish calls.
	Published uint64 `json:"published"`

	// Dispatched counts handler invocations that were started.
	Dispatched uint64 `json:"dispatched"`

	// HandlerPanics counts recovered handler panics.
	HandlerPanics uint64 `json:"handler_panics"`

	// Subscribers maps each topic to its current subscriber count.
	Subscribers map[string]int `json:"subscribers"`

	// HistorySize is the number of events currently retained.
	HistorySize int `json:"history_size"`
}

// Bus is the event bus. Create it with [New]. All methods are safe for
// concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[Handler]struct{}

	histMu   sync.Mutex
	history  []Event
	histNext int
	histCap  int

	published  atomic.Uint64
	dispatched atomic.Uint64
	panics     atomic.Uint64

	wg sync.WaitGroup
}

// Option configures a [Bus].
type Option func(*Bus)

// WithHistorySize sets how many recent events the bus retains for
// introspection. Zero disables history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.histCap = n
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string]map[Handler]struct{}),
		histCap: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for all future events on topic. Subscribing the same
// handler to the same topic again is a no-op.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[Handler]struct{})
		b.subs[topic] = set
	}
	set[h] = struct{}{}
}

// Unsubscribe removes h's registration on topic. Unsubscribing a handler
// that is not registered is a no-op.
func (b *Bus) Unsubscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers ev to every handler currently subscribed to its topic,
// each in its own goroutine. Handlers subscribed after the snapshot is taken
// do not see this event. Publish never blocks on subscribers and returns
// before any handler has necessarily run.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.published.Add(1)
	b.record(ev)

	b.mu.RLock()
	set := b.subs[ev.Topic]
	snapshot := make([]Handler, 0, len(set))
	for h := range set {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.dispatched.Add(1)
		b.wg.Add(1)
		go b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			slog.Error("event handler panicked", "topic", ev.Topic, "source", ev.Source, "panic", r)
		}
	}()
	h.HandleEvent(ev)
}

func (b *Bus) record(ev Event) {
	if b.histCap == 0 {
		return
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < b.histCap {
		b.history = append(b.history, ev)
		return
	}
	b.history[b.histNext] = ev
	b.histNext = (b.histNext + 1) % b.histCap
}

// Subscribers returns the number of handlers currently subscribed to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Clear removes all subscriptions on the given topics, or on every topic
// when none are given. In-flight dispatches are unaffected.
func (b *Bus) Clear(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.subs = make(map[string]map[Handler]struct{})
		return
	}
	for _, topic := range topics {
		delete(b.subs, topic)
	}
}

// History returns up to limit of the most recently published events, oldest
// first. A limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var ordered []Event
	if len(b.history) < b.histCap {
		ordered = append(ordered, b.history...)
	} else {
		ordered = append(ordered, b.history[b.histNext:]...)
		ordered = append(ordered, b.history[:b.histNext]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Stats returns a snapshot of the bus counters and per-topic subscriber
// counts.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := make(map[string]int, len(b.subs))
	for topic, set := range b.subs {
		subs[topic] = len(set)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	hist := len(b.history)
	b.histMu.Unlock()

	return Stats{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerPanics: b.panics.Load(),
		Subscribers:   subs,
		HistorySize:   hist,
	}
}

// Drain blocks until every handler goroutine spawned so far has returned, or
// until ctx is done. Meant for shutdown and tests; publishing concurrently
// with Drain extends the wait.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
