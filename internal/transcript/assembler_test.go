package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func doneEvent(sessionID string, chunkID uint64, text string) bus.Event {
	return bus.Event{
		Topic:         types.TopicChunkDone,
		Source:        "aggregator",
		CorrelationID: types.Correlation(sessionID, chunkID),
		Payload: types.AggregatedResult{
			SessionID:  sessionID,
			ChunkID:    chunkID,
			Completed:  []types.Kind{types.KindASR},
			Missing:    []types.Kind{},
			IsComplete: true,
			Results: map[types.Kind]types.Payload{
				types.KindASR: types.ASRPayload{Text: text, Confidence: 0.9},
			},
		},
	}
}

func TestAssembler_AssemblesInChunkOrder(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{Bus: bus.New()})

	// Chunks complete out of order; the transcript must read in chunk order.
	a.HandleEvent(doneEvent("s1", 1, "down near"))
	a.HandleEvent(doneEvent("s1", 0, "man"))
	a.HandleEvent(doneEvent("s1", 2, "the wall"))

	tr, ok := a.Transcript("s1")
	if !ok {
		t.Fatal("Transcript(s1): not found")
	}
	if tr.Text != "man down near the wall" {
		t.Errorf("Text = %q, want %q", tr.Text, "man down near the wall")
	}
	if tr.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", tr.Chunks)
	}
	if tr.SessionID != "s1" {
		t.Errorf("SessionID = %q, want %q", tr.SessionID, "s1")
	}
	if tr.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
	if tr.Hits == nil {
		t.Error("Hits is nil, want empty slice")
	}
}

func TestAssembler_SkipsResultsWithoutText(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{Bus: bus.New()})

	// No recognition result at all.
	a.HandleEvent(bus.Event{
		Topic: types.TopicChunkDone,
		Payload: types.AggregatedResult{
			SessionID: "s1",
			ChunkID:   0,
			Results:   map[types.Kind]types.Payload{},
		},
	})
	// Recognition failed.
	a.HandleEvent(bus.Event{
		Topic: types.TopicChunkDone,
		Payload: types.AggregatedResult{
			SessionID: "s1",
			ChunkID:   1,
			Results: map[types.Kind]types.Payload{
				types.KindASR: types.ASRPayload{Error: "timeout"},
			},
		},
	})
	// Recognition produced only whitespace.
	a.HandleEvent(doneEvent("s1", 2, "   "))
	// Not an aggregated result at all.
	a.HandleEvent(bus.Event{Topic: types.TopicChunkDone, Payload: 42})

	if _, ok := a.Transcript("s1"); ok {
		t.Error("Transcript(s1): found, want absent when no chunk produced text")
	}

	stats := a.Stats()
	if stats.ChunksSeen != 3 {
		t.Errorf("ChunksSeen = %d, want 3", stats.ChunksSeen)
	}
	if stats.Sessions != 0 {
		t.Errorf("Sessions = %d, want 0", stats.Sessions)
	}
}

func TestAssembler_RecordsKeywordHits(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{
		Bus:     bus.New(),
		Spotter: NewSpotter([]string{"grenade"}),
	})

	a.HandleEvent(doneEvent("s1", 0, "all quiet"))
	a.HandleEvent(doneEvent("s1", 1, "granade out"))

	tr, ok := a.Transcript("s1")
	if !ok {
		t.Fatal("Transcript(s1): not found")
	}
	if len(tr.Hits) != 1 {
		t.Fatalf("Hits = %+v, want exactly one", tr.Hits)
	}
	if tr.Hits[0].Keyword != "grenade" {
		t.Errorf("Keyword = %q, want %q", tr.Hits[0].Keyword, "grenade")
	}
	if tr.Hits[0].ChunkID != 1 {
		t.Errorf("ChunkID = %d, want 1", tr.Hits[0].ChunkID)
	}

	if got := a.Stats().KeywordHits; got != 1 {
		t.Errorf("KeywordHits = %d, want 1", got)
	}
}

func TestAssembler_SetSpotterSwapsKeywords(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{
		Bus:     bus.New(),
		Spotter: NewSpotter([]string{"grenade"}),
	})

	a.HandleEvent(doneEvent("s1", 0, "grenade out"))
	a.SetSpotter(NewSpotter([]string{"medic"}))
	a.HandleEvent(doneEvent("s1", 1, "grenade again"))
	a.HandleEvent(doneEvent("s1", 2, "medic here"))

	tr, ok := a.Transcript("s1")
	if !ok {
		t.Fatal("Transcript(s1): not found")
	}
	// One hit from before the swap, one after; the swapped-out keyword no
	// longer matches.
	if len(tr.Hits) != 2 {
		t.Fatalf("Hits = %+v, want two", tr.Hits)
	}
	if tr.Hits[0].Keyword != "grenade" || tr.Hits[0].ChunkID != 0 {
		t.Errorf("first hit = %+v, want grenade in chunk 0", tr.Hits[0])
	}
	if tr.Hits[1].Keyword != "medic" || tr.Hits[1].ChunkID != 2 {
		t.Errorf("second hit = %+v, want medic in chunk 2", tr.Hits[1])
	}

	// Nil disables spotting without touching recorded hits.
	a.SetSpotter(nil)
	a.HandleEvent(doneEvent("s1", 3, "medic down"))
	tr, _ = a.Transcript("s1")
	if len(tr.Hits) != 2 {
		t.Errorf("Hits after nil spotter = %d, want still 2", len(tr.Hits))
	}
}

func TestAssembler_DuplicateChunkLastWins(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{Bus: bus.New()})

	a.HandleEvent(doneEvent("s1", 0, "alpha"))
	a.HandleEvent(doneEvent("s1", 0, "bravo"))

	tr, ok := a.Transcript("s1")
	if !ok {
		t.Fatal("Transcript(s1): not found")
	}
	if tr.Text != "bravo" {
		t.Errorf("Text = %q, want %q", tr.Text, "bravo")
	}
	if tr.Chunks != 1 {
		t.Errorf("Chunks = %d, want 1", tr.Chunks)
	}
}

func TestAssembler_SessionsSorted(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{Bus: bus.New()})

	a.HandleEvent(doneEvent("bravo", 0, "text"))
	a.HandleEvent(doneEvent("alpha", 0, "text"))

	ids := a.Sessions()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "bravo" {
		t.Errorf("Sessions() = %v, want [alpha bravo]", ids)
	}
}

func TestAssembler_SweepPrunesIdleTranscripts(t *testing.T) {
	t.Parallel()

	a := NewAssembler(AssemblerConfig{Bus: bus.New(), Retention: time.Minute})

	a.HandleEvent(doneEvent("s1", 0, "still here"))

	if removed := a.sweep(time.Now()); removed != 0 {
		t.Fatalf("sweep(now) removed %d, want 0", removed)
	}
	if _, ok := a.Transcript("s1"); !ok {
		t.Fatal("Transcript(s1): pruned too early")
	}

	if removed := a.sweep(time.Now().Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("sweep(now+2m) removed %d, want 1", removed)
	}
	if _, ok := a.Transcript("s1"); ok {
		t.Error("Transcript(s1): still present after retention expired")
	}
	if got := a.Stats().Swept; got != 1 {
		t.Errorf("Swept = %d, want 1", got)
	}
}

func TestAssembler_BusSubscription(t *testing.T) {
	t.Parallel()

	b := bus.New()
	a := NewAssembler(AssemblerConfig{Bus: b})
	a.Start(context.Background())
	defer a.Stop()

	b.Publish(doneEvent("s1", 0, "over the wire"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if tr, ok := a.Transcript("s1"); ok {
			if tr.Text != "over the wire" {
				t.Fatalf("Text = %q, want %q", tr.Text, "over the wire")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transcript never arrived via bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// After Stop the assembler no longer consumes events.
	a.Stop()
	b.Publish(doneEvent("s1", 1, "late"))
	time.Sleep(50 * time.Millisecond)
	if got := a.Stats().ChunksSeen; got != 1 {
		t.Errorf("ChunksSeen after Stop = %d, want 1", got)
	}
}

func TestAssembler_KeywordHitMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a := NewAssembler(AssemblerConfig{
		Bus:     bus.New(),
		Spotter: NewSpotter([]string{"grenade"}),
		Metrics: m,
	})

	a.HandleEvent(doneEvent("s1", 0, "all quiet"))
	a.HandleEvent(doneEvent("s1", 1, "grenade out"))
	a.HandleEvent(doneEvent("s1", 2, "another grenade"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "phonoxa.keyword.hits" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("phonoxa.keyword.hits is not an int64 sum")
			}
			for _, dp := range sum.DataPoints {
				if kw, ok := dp.Attributes.Value("keyword"); !ok || kw.AsString() != "grenade" {
					t.Errorf("hit data point missing keyword=grenade attribute: %v", dp.Attributes)
				}
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("keyword.hits = %d, want 2", total)
	}
}
