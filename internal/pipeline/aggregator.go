package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/pkg/types"
)

const (
	defaultAggregationWindow = 30 * time.Second
	defaultSweepInterval     = time.Second

	// aggShardCount spreads the aggregation table over independent locks so
	// result arrivals for different chunks rarely contend.
	aggShardCount = 16

	// closedMemory is how many recently closed correlations each shard
	// remembers to keep a straggler result from reopening a finished chunk.
	closedMemory = 512
)

// closeCause says why an aggregation entry transitioned to closed.
type closeCause int

const (
	causeComplete closeCause = iota // every expected result arrived
	causeDeadline                   // aggregation window expired
	causePartial                    // shutdown flush
)

func (c closeCause) String() string {
	switch c {
	case causeComplete:
		return "complete"
	case causeDeadline:
		return "deadline"
	case causePartial:
		return "partial"
	}
	return "unknown"
}

// entry collects the per-kind results for one chunk until it closes.
type entry struct {
	sessionID string
	chunkID   uint64
	createdAt time.Time
	deadline  time.Time
	expected  map[types.Kind]struct{}
	received  map[types.Kind]types.AnalyzerResult
}

func (e *entry) complete() bool {
	for k := range e.expected {
		if _, ok := e.received[k]; !ok {
			return false
		}
	}
	return true
}

type aggShard struct {
	mu      sync.Mutex
	entries map[string]*entry

	// closedSet and closedRing form a bounded memory of closed correlations.
	closedSet  map[string]struct{}
	closedRing []string
	closedNext int
}

func (sh *aggShard) remember(corr string) {
	if len(sh.closedRing) < closedMemory {
		sh.closedRing = append(sh.closedRing, corr)
	} else {
		delete(sh.closedSet, sh.closedRing[sh.closedNext])
		sh.closedRing[sh.closedNext] = corr
		sh.closedNext = (sh.closedNext + 1) % closedMemory
	}
	sh.closedSet[corr] = struct{}{}
}

// AggregatorConfig configures an [Aggregator].
type AggregatorConfig struct {
	// Bus to subscribe on and publish the merged results to. Required.
	Bus Bus

	// Window is how long a chunk may wait for its remaining results after
	// the first one arrives. Defaults to 30s.
	Window time.Duration

	// SweepInterval is how often expired entries are closed. Defaults to 1s.
	SweepInterval time.Duration

	// Gated enables the short-circuit for gated routing: a successful VAD
	// result without speech closes the chunk immediately as complete, since
	// ASR and diarization will never see it.
	Gated bool
}

// AggregatorStats is a point-in-time view of the aggregation table.
type AggregatorStats struct {
	// Processed counts all closed entries regardless of cause.
	Processed uint64 `json:"processed"`

	// Completed counts entries closed with every expected result present.
	Completed uint64 `json:"completed"`

	// TimedOut counts entries closed by the deadline sweeper.
	TimedOut uint64 `json:"timed_out"`

	// Partial counts entries closed by the shutdown flush.
	Partial uint64 `json:"partial"`

	// LateResults counts results that arrived after their chunk closed.
	LateResults uint64 `json:"late_results"`

	// Open is the number of chunks currently waiting for results.
	Open int `json:"open"`

	// AvgAggregationMS is the mean open-to-closed latency.
	AvgAggregationMS float64 `json:"avg_aggregation_ms"`
}

// Aggregator merges the per-kind analyzer results for each chunk into
// exactly one [types.AggregatedResult] on [types.TopicChunkDone]. An entry
// opens when the first result for its chunk arrives and closes exactly once:
// when all expected results are in, when its deadline expires, or when the
// aggregator shuts down and flushes whatever it holds.
//
// Duplicate results for the same kind overwrite the previous one; results
// arriving after the close are counted and dropped.
type Aggregator struct {
	b             Bus
	window        time.Duration
	sweepInterval time.Duration
	gated         bool

	shards [aggShardCount]aggShard

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped atomic.Bool

	processed   atomic.Uint64
	completed   atomic.Uint64
	timedOut    atomic.Uint64
	partial     atomic.Uint64
	lateResults atomic.Uint64
	aggMicros   atomic.Uint64
}

// NewAggregator creates an aggregator. Call [Aggregator.Start] to subscribe
// it and begin sweeping.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	window := cfg.Window
	if window <= 0 {
		window = defaultAggregationWindow
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	a := &Aggregator{
		b:             cfg.Bus,
		window:        window,
		sweepInterval: sweep,
		gated:         cfg.Gated,
		done:          make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i].entries = make(map[string]*entry)
		a.shards[i].closedSet = make(map[string]struct{})
	}
	return a
}

// Start subscribes the aggregator to all result topics and launches the
// deadline sweeper. The sweeper runs until [Aggregator.Stop] is called or
// ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	for _, kind := range types.Kinds() {
		a.b.Subscribe(kind.DoneTopic(), a)
	}
	a.wg.Add(1)
	go a.sweepLoop(ctx)
	a.started = true
	slog.Info("aggregator started", "window", a.window, "sweep_interval", a.sweepInterval, "gated", a.gated)
	return nil
}

// Stop unsubscribes the aggregator and flushes every open entry as a
// partial result, guaranteeing a terminal event for each chunk that ever
// produced a result. Safe to call multiple times.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		for _, kind := range types.Kinds() {
			a.b.Unsubscribe(kind.DoneTopic(), a)
		}
		close(a.done)
		a.wg.Wait()

		flushed := a.closeAll(causePartial)
		for i := range flushed {
			a.publish(flushed[i])
		}
		if len(flushed) > 0 {
			slog.Info("aggregator flushed open chunks", "count", len(flushed))
		}
	})
	return nil
}

// HandleEvent implements [bus.Handler] for the per-kind result topics.
func (a *Aggregator) HandleEvent(ev bus.Event) {
	if a.stopped.Load() {
		return
	}
	res, ok := ev.Payload.(types.AnalyzerResult)
	if !ok {
		return
	}
	if closed := a.add(res); closed != nil {
		a.publish(*closed)
	}
}

// Stats returns a snapshot of the aggregator's counters.
func (a *Aggregator) Stats() AggregatorStats {
	open := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		open += len(sh.entries)
		sh.mu.Unlock()
	}
	processed := a.processed.Load()
	avg := 0.0
	if processed > 0 {
		avg = float64(a.aggMicros.Load()) / 1000 / float64(processed)
	}
	return AggregatorStats{
		Processed:        processed,
		Completed:        a.completed.Load(),
		TimedOut:         a.timedOut.Load(),
		Partial:          a.partial.Load(),
		LateResults:      a.lateResults.Load(),
		Open:             open,
		AvgAggregationMS: avg,
	}
}

// Running reports whether the aggregator is started and not yet stopped.
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.stopped.Load()
}

// ActiveChunks lists the correlation IDs of all currently open entries.
func (a *Aggregator) ActiveChunks() []string {
	var out []string
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for corr := range sh.entries {
			out = append(out, corr)
		}
		sh.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

func (a *Aggregator) shard(corr string) *aggShard {
	h := fnv.New32a()
	h.Write([]byte(corr))
	return &a.shards[h.Sum32()%aggShardCount]
}

// add merges one result into its entry and returns the aggregated result if
// this arrival closed the entry.
func (a *Aggregator) add(res types.AnalyzerResult) *types.AggregatedResult {
	corr := types.Correlation(res.SessionID, res.ChunkID)
	sh := a.shard(corr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, wasClosed := sh.closedSet[corr]; wasClosed {
		a.lateResults.Add(1)
		return nil
	}

	e, ok := sh.entries[corr]
	if !ok {
		now := time.Now()
		e = &entry{
			sessionID: res.SessionID,
			chunkID:   res.ChunkID,
			createdAt: now,
			deadline:  now.Add(a.window),
			expected:  make(map[types.Kind]struct{}, 3),
			received:  make(map[types.Kind]types.AnalyzerResult, 3),
		}
		for _, kind := range types.Kinds() {
			e.expected[kind] = struct{}{}
		}
		sh.entries[corr] = e
	}

	if a.gated && res.Kind == types.KindVAD && res.OK {
		if vp, ok := res.Payload.(types.VADPayload); ok && !vp.IsSpeech {
			// No speech: ASR and diarization never see this chunk, so the
			// VAD result is all there is to wait for.
			e.expected = map[types.Kind]struct{}{types.KindVAD: {}}
		}
	}

	if _, want := e.expected[res.Kind]; want {
		e.received[res.Kind] = res
	}
	if !e.complete() {
		return nil
	}
	return a.closeLocked(sh, corr, e, causeComplete)
}

// closeLocked transitions e to closed, removes it from the shard and builds
// its aggregated result. The shard mutex must be held.
func (a *Aggregator) closeLocked(sh *aggShard, corr string, e *entry, cause closeCause) *types.AggregatedResult {
	delete(sh.entries, corr)
	sh.remember(corr)

	elapsed := time.Since(e.createdAt)
	completed := make([]types.Kind, 0, len(e.received))
	results := make(map[types.Kind]types.Payload, len(e.received))
	for k, r := range e.received {
		completed = append(completed, k)
		results[k] = r.Payload
	}
	slices.Sort(completed)
	missing := make([]types.Kind, 0)
	for k := range e.expected {
		if _, ok := e.received[k]; !ok {
			missing = append(missing, k)
		}
	}
	slices.Sort(missing)

	a.processed.Add(1)
	switch cause {
	case causeComplete:
		a.completed.Add(1)
	case causeDeadline:
		a.timedOut.Add(1)
	case causePartial:
		a.partial.Add(1)
	}
	a.aggMicros.Add(uint64(elapsed / time.Microsecond))

	if cause != causeComplete {
		slog.Debug("aggregation closed early",
			"correlation_id", corr,
			"cause", cause.String(),
			"missing", missing,
		)
	}

	return &types.AggregatedResult{
		SessionID:     e.sessionID,
		ChunkID:       e.chunkID,
		AggregationMS: float64(elapsed) / float64(time.Millisecond),
		Completed:     completed,
		Missing:       missing,
		IsComplete:    len(missing) == 0,
		IsTimeout:     cause == causeDeadline,
		Results:       results,
	}
}

func (a *Aggregator) publish(res types.AggregatedResult) {
	a.b.Publish(bus.Event{
		Topic:         types.TopicChunkDone,
		Source:        "aggregator",
		CorrelationID: types.Correlation(res.SessionID, res.ChunkID),
		Payload:       res,
	})
}

func (a *Aggregator) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.sweep(time.Now())
		}
	}
}

// sweep closes every entry whose deadline has passed.
func (a *Aggregator) sweep(now time.Time) {
	var due []types.AggregatedResult
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		var expired []string
		for corr, e := range sh.entries {
			if !now.Before(e.deadline) {
				expired = append(expired, corr)
			}
		}
		for _, corr := range expired {
			if e, ok := sh.entries[corr]; ok {
				due = append(due, *a.closeLocked(sh, corr, e, causeDeadline))
			}
		}
		sh.mu.Unlock()
	}
	for i := range due {
		a.publish(due[i])
	}
}

// closeAll closes every open entry with the given cause and returns the
// results to publish.
func (a *Aggregator) closeAll(cause closeCause) []types.AggregatedResult {
	var out []types.AggregatedResult
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		corrs := make([]string, 0, len(sh.entries))
		for corr := range sh.entries {
			corrs = append(corrs, corr)
		}
		for _, corr := range corrs {
			if e, ok := sh.entries[corr]; ok {
				out = append(out, *a.closeLocked(sh, corr, e, cause))
			}
		}
		sh.mu.Unlock()
	}
	return out
}
