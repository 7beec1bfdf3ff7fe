package bus_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/phonoxa/internal/bus"
)

// recorder is a Handler that collects every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) HandleEvent(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// drain waits for all in-flight handler goroutines to finish.
func drain(t *testing.T, b *bus.Bus) {
	t.Helper()
	if err := b.Drain(t.Context()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	t.Run("delivers event to subscriber", func(t *testing.T) {
		b := bus.New()
		got := make(chan bus.Event, 1)
		b.Subscribe("chunk_in", bus.HandlerFunc(func(ev bus.Event) { got <- ev }))

		b.Publish(bus.Event{Topic: "chunk_in", Source: "test", CorrelationID: "s1:0", Payload: 42})

		select {
		case ev := <-got:
			if ev.CorrelationID != "s1:0" {
				t.Errorf("expected correlation s1:0, got %q", ev.CorrelationID)
			}
			if ev.Payload != 42 {
				t.Errorf("expected payload 42, got %v", ev.Payload)
			}
			if ev.Timestamp.IsZero() {
				t.Error("expected publish to stamp the event")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler never received the event")
		}
	})

	t.Run("does not deliver to other topics", func(t *testing.T) {
		b := bus.New()
		rec := &recorder{}
		b.Subscribe("vad_done", rec)

		b.Publish(bus.Event{Topic: "asr_done"})
		drain(t, b)

		if got := rec.count(); got != 0 {
			t.Errorf("expected 0 events, got %d", got)
		}
	})

	t.Run("publish without subscribers is a no-op", func(t *testing.T) {
		b := bus.New()
		b.Publish(bus.Event{Topic: "chunk_done"})
		if got := b.Stats().Published; got != 1 {
			t.Errorf("expected 1 published, got %d", got)
		}
		if got := b.Stats().Dispatched; got != 0 {
			t.Errorf("expected 0 dispatched, got %d", got)
		}
	})
}

func TestBus_SubscribeIdempotence(t *testing.T) {
	t.Run("same handler twice receives once", func(t *testing.T) {
		b := bus.New()
		rec := &recorder{}
		b.Subscribe("chunk_in", rec)
		b.Subscribe("chunk_in", rec)

		if got := b.Subscribers("chunk_in"); got != 1 {
			t.Fatalf("expected 1 subscriber, got %d", got)
		}

		b.Publish(bus.Event{Topic: "chunk_in"})
		drain(t, b)

		if got := rec.count(); got != 1 {
			t.Errorf("expected 1 delivery, got %d", got)
		}
	})

	t.Run("distinct handlers each receive", func(t *testing.T) {
		b := bus.New()
		a, c := &recorder{}, &recorder{}
		b.Subscribe("chunk_in", a)
		b.Subscribe("chunk_in", c)

		b.Publish(bus.Event{Topic: "chunk_in"})
		drain(t, b)

		if a.count() != 1 || c.count() != 1 {
			t.Errorf("expected 1 delivery each, got %d and %d", a.count(), c.count())
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := bus.New()
		rec := &recorder{}
		b.Subscribe("chunk_in", rec)
		b.Unsubscribe("chunk_in", rec)

		b.Publish(bus.Event{Topic: "chunk_in"})
		drain(t, b)

		if got := rec.count(); got != 0 {
			t.Errorf("expected 0 deliveries after unsubscribe, got %d", got)
		}
		if got := b.Subscribers("chunk_in"); got != 0 {
			t.Errorf("expected 0 subscribers, got %d", got)
		}
	})

	t.Run("unsubscribe of unknown handler is a no-op", func(t *testing.T) {
		b := bus.New()
		b.Unsubscribe("chunk_in", &recorder{})
	})
}

func TestBus_SnapshotSemantics(t *testing.T) {
	t.Run("late subscriber misses earlier events", func(t *testing.T) {
		b := bus.New()
		b.Publish(bus.Event{Topic: "chunk_in"})

		rec := &recorder{}
		b.Subscribe("chunk_in", rec)
		drain(t, b)

		if got := rec.count(); got != 0 {
			t.Errorf("expected 0 events for late subscriber, got %d", got)
		}
	})

	t.Run("dispatch count matches snapshot size", func(t *testing.T) {
		b := bus.New()
		for i := 0; i < 3; i++ {
			b.Subscribe("chunk_in", &recorder{})
		}

		b.Publish(bus.Event{Topic: "chunk_in"})

		if got := b.Stats().Dispatched; got != 3 {
			t.Errorf("expected 3 dispatches, got %d", got)
		}
	})
}

func TestBus_PanicIsolation(t *testing.T) {
	t.Run("panicking handler does not affect siblings", func(t *testing.T) {
		b := bus.New()
		got := make(chan struct{}, 1)
		b.Subscribe("chunk_in", bus.HandlerFunc(func(bus.Event) { panic("boom") }))
		b.Subscribe("chunk_in", bus.HandlerFunc(func(bus.Event) { got <- struct{}{} }))

		b.Publish(bus.Event{Topic: "chunk_in"})

		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("sibling handler never ran")
		}
		drain(t, b)

		if got := b.Stats().HandlerPanics; got != 1 {
			t.Errorf("expected 1 recorded panic, got %d", got)
		}
	})
}

func TestBus_Clear(t *testing.T) {
	t.Run("clear single topic", func(t *testing.T) {
		b := bus.New()
		b.Subscribe("chunk_in", &recorder{})
		b.Subscribe("chunk_done", &recorder{})

		b.Clear("chunk_in")

		if got := b.Subscribers("chunk_in"); got != 0 {
			t.Errorf("expected chunk_in cleared, got %d subscribers", got)
		}
		if got := b.Subscribers("chunk_done"); got != 1 {
			t.Errorf("expected chunk_done untouched, got %d subscribers", got)
		}
	})

	t.Run("clear everything", func(t *testing.T) {
		b := bus.New()
		b.Subscribe("chunk_in", &recorder{})
		b.Subscribe("chunk_done", &recorder{})

		b.Clear()

		if b.Subscribers("chunk_in") != 0 || b.Subscribers("chunk_done") != 0 {
			t.Error("expected all topics cleared")
		}
	})
}

func TestBus_History(t *testing.T) {
	t.Run("ring keeps the most recent events", func(t *testing.T) {
		b := bus.New(bus.WithHistorySize(3))
		for i := 0; i < 5; i++ {
			b.Publish(bus.Event{Topic: "chunk_in", CorrelationID: fmt.Sprintf("s:%d", i)})
		}

		hist := b.History(0)
		if len(hist) != 3 {
			t.Fatalf("expected 3 retained events, got %d", len(hist))
		}
		for i, want := range []string{"s:2", "s:3", "s:4"} {
			if hist[i].CorrelationID != want {
				t.Errorf("history[%d]: expected %s, got %s", i, want, hist[i].CorrelationID)
			}
		}
	})

	t.Run("limit trims from the front", func(t *testing.T) {
		b := bus.New(bus.WithHistorySize(10))
		for i := 0; i < 4; i++ {
			b.Publish(bus.Event{Topic: "chunk_in", CorrelationID: fmt.Sprintf("s:%d", i)})
		}

		hist := b.History(2)
		if len(hist) != 2 {
			t.Fatalf("expected 2 events, got %d", len(hist))
		}
		if hist[0].CorrelationID != "s:2" || hist[1].CorrelationID != "s:3" {
			t.Errorf("expected the two newest events, got %v and %v", hist[0].CorrelationID, hist[1].CorrelationID)
		}
	})

	t.Run("zero size disables history", func(t *testing.T) {
		b := bus.New(bus.WithHistorySize(0))
		b.Publish(bus.Event{Topic: "chunk_in"})
		if got := len(b.History(0)); got != 0 {
			t.Errorf("expected no history, got %d events", got)
		}
	})
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := bus.New(bus.WithHistorySize(16))
	rec := &recorder{}
	b.Subscribe("chunk_in", rec)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(bus.Event{Topic: "chunk_in", CorrelationID: fmt.Sprintf("s:%d", i)})
		}(i)
	}
	wg.Wait()
	drain(t, b)

	stats := b.Stats()
	if stats.Published != n {
		t.Errorf("expected %d published, got %d", n, stats.Published)
	}
	if stats.Dispatched != n {
		t.Errorf("expected %d dispatched, got %d", n, stats.Dispatched)
	}
	if got := rec.count(); got != n {
		t.Errorf("expected %d deliveries, got %d", n, got)
	}
	if got := len(b.History(0)); got != 16 {
		t.Errorf("expected full history ring of 16, got %d", got)
	}
}
