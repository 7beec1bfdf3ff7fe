// Package pipeline implements the chunk processing stages between the
// gateway and the client-facing result: one [Worker] per analysis kind
// consuming chunks from the bus, and the [Aggregator] merging their results
// into a single terminal event per chunk.
//
// Workers never queue work beyond their concurrency limit. Each worker runs
// a fixed pool of consumer goroutines fed by a bounded inbox; admission is
// gated by the in-flight counter, and chunks arriving while every slot is
// taken are dropped and counted. This keeps ingest latency flat under
// overload instead of building an unbounded backlog of stale audio.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/internal/resilience"
	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// Bus is the narrow bus surface the pipeline stages need. *bus.Bus
// satisfies it.
type Bus interface {
	Publish(ev bus.Event)
	Subscribe(topic string, h bus.Handler)
	Unsubscribe(topic string, h bus.Handler)
}

const (
	defaultMaxInFlight  = 4
	defaultChunkTimeout = 30 * time.Second
)

// job is one admitted chunk waiting for its analyzer run.
type job struct {
	sessionID  string
	chunkID    uint64
	data       []byte
	sampleRate int
}

type outcome struct {
	payload types.Payload
	err     error
	elapsed time.Duration
}

// WorkerConfig configures a [Worker].
type WorkerConfig struct {
	// Analyzer is the engine this worker drives. Required.
	Analyzer analyzer.Service

	// Bus to subscribe on and publish results to. Required.
	Bus Bus

	// Topic to consume chunks from. Defaults to [types.TopicChunkIn];
	// gated routing subscribes ASR and diarization workers to
	// [types.TopicSpeechPresent] instead.
	Topic string

	// MaxInFlight is the number of chunks processed concurrently. Chunks
	// arriving while all slots are busy are dropped. Defaults to 4.
	MaxInFlight int

	// Timeout is the per-chunk processing deadline. A chunk that exceeds it
	// produces a failed result with error "timeout". Defaults to 30s.
	Timeout time.Duration

	// Breaker optionally guards the analyzer. While open, chunks produce an
	// immediate failed result without touching the engine.
	Breaker *resilience.Breaker

	// Metrics optionally receives the per-kind drop counter. Nil disables
	// recording.
	Metrics *observe.Metrics
}

// Worker drives one analyzer: it consumes chunks from its topic, runs the
// engine under the configured deadline and publishes exactly one
// [types.AnalyzerResult] per admitted chunk on the kind's done topic. The
// VAD worker additionally announces speech-bearing chunks on
// [types.TopicSpeechPresent].
//
// Unless the analyzer declares itself concurrent-safe, engine calls are
// serialized through an internal semaphore even when MaxInFlight is larger
// than one.
type Worker struct {
	analyzer    analyzer.Service
	b           Bus
	topic       string
	maxInFlight int
	timeout     time.Duration
	breaker     *resilience.Breaker
	metrics     *observe.Metrics
	source      string
	sem         *semaphore.Weighted

	inbox      chan job
	done       chan struct{}
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once

	running           atomic.Bool
	inFlight          atomic.Int64
	processed         atomic.Uint64
	failed            atomic.Uint64
	timedOut          atomic.Uint64
	droppedBusy       atomic.Uint64
	droppedNotRunning atomic.Uint64
}

// WorkerStatus is a point-in-time view of a worker, surfaced through the
// stats endpoint.
type WorkerStatus struct {
	Running     bool `json:"running"`
	InFlight    int  `json:"in_flight"`
	MaxInFlight int  `json:"max_in_flight"`

	// TimeoutS is the per-chunk deadline in seconds.
	TimeoutS float64 `json:"timeout_s"`

	AnalyzerInfo string `json:"analyzer_info"`

	// Processed counts all published results, successful or not.
	Processed uint64 `json:"processed"`

	// Failed counts results where the analyzer returned an error.
	Failed uint64 `json:"failed"`

	// TimedOut counts results where the chunk deadline expired.
	TimedOut uint64 `json:"timed_out"`

	// DroppedBusy counts chunks rejected because all slots were busy.
	DroppedBusy uint64 `json:"dropped_busy"`

	// DroppedNotRunning counts chunks that arrived outside the running state.
	DroppedNotRunning uint64 `json:"dropped_not_running"`
}

// NewWorker creates a worker for cfg.Analyzer. Call [Worker.Start] to begin
// consuming chunks.
func NewWorker(cfg WorkerConfig) *Worker {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultChunkTimeout
	}
	topic := cfg.Topic
	if topic == "" {
		topic = types.TopicChunkIn
	}
	w := &Worker{
		analyzer:    cfg.Analyzer,
		b:           cfg.Bus,
		topic:       topic,
		maxInFlight: maxInFlight,
		timeout:     timeout,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		source:      "worker-" + string(cfg.Analyzer.Kind()),
		inbox:       make(chan job, maxInFlight),
		done:        make(chan struct{}),
	}
	if !analyzer.ConcurrentSafe(cfg.Analyzer) {
		w.sem = semaphore.NewWeighted(1)
	}
	return w
}

// Kind returns the analysis kind this worker serves.
func (w *Worker) Kind() types.Kind { return w.analyzer.Kind() }

// Start initializes the analyzer, launches the consumer pool and subscribes
// to the worker's topic, in that order. Events published before Start
// returns are not seen.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("pipeline: %s already started", w.source)
	}
	if err := w.analyzer.Initialize(ctx); err != nil {
		return fmt.Errorf("pipeline: initialize %s analyzer: %w", w.analyzer.Kind(), err)
	}

	w.jobCtx, w.cancelJobs = context.WithCancel(context.Background())
	for i := 0; i < w.maxInFlight; i++ {
		w.wg.Add(1)
		go w.consume(w.jobCtx)
	}
	w.running.Store(true)
	w.b.Subscribe(w.topic, w)
	w.started = true

	slog.Info("worker started",
		"worker", w.source,
		"topic", w.topic,
		"max_in_flight", w.maxInFlight,
		"timeout", w.timeout,
		"analyzer", w.analyzer.Info(),
	)
	return nil
}

// Stop shuts the worker down: admission stops and the subscription is
// removed first, then in-flight chunks get twice the chunk deadline to
// finish before the remainder is cancelled, and finally the analyzer is
// cleaned up. Safe to call multiple times. A failed drain is logged, not
// fatal; only a cleanup failure is returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	var cleanupErr error
	w.stopOnce.Do(func() {
		w.running.Store(false)
		w.b.Unsubscribe(w.topic, w)

		drainCtx, cancel := context.WithTimeout(ctx, 2*w.timeout)
		defer cancel()
		if err := w.awaitIdle(drainCtx); err != nil {
			slog.Warn("worker drain incomplete, cancelling in-flight chunks",
				"worker", w.source,
				"in_flight", w.inFlight.Load(),
			)
		}

		w.cancelJobs()
		close(w.done)
		w.wg.Wait()

		if err := w.analyzer.Cleanup(ctx); err != nil {
			cleanupErr = fmt.Errorf("pipeline: cleanup %s analyzer: %w", w.analyzer.Kind(), err)
			slog.Warn("analyzer cleanup failed", "worker", w.source, "error", err)
		}
		slog.Info("worker stopped", "worker", w.source, "processed", w.processed.Load())
	})
	return cleanupErr
}

// Status returns a snapshot of the worker's state and counters.
func (w *Worker) Status() WorkerStatus {
	return WorkerStatus{
		Running:           w.running.Load(),
		InFlight:          int(w.inFlight.Load()),
		MaxInFlight:       w.maxInFlight,
		TimeoutS:          w.timeout.Seconds(),
		AnalyzerInfo:      w.analyzer.Info(),
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		TimedOut:          w.timedOut.Load(),
		DroppedBusy:       w.droppedBusy.Load(),
		DroppedNotRunning: w.droppedNotRunning.Load(),
	}
}

// HandleEvent implements [bus.Handler]. Admission never blocks: the in-flight
// counter is the gate, and the inbox has one slot per counted chunk, so a
// chunk is either admitted immediately or dropped.
func (w *Worker) HandleEvent(ev bus.Event) {
	if !w.running.Load() {
		w.droppedNotRunning.Add(1)
		return
	}

	var j job
	switch p := ev.Payload.(type) {
	case types.Chunk:
		j = job{sessionID: p.SessionID, chunkID: p.ChunkID, data: p.Data, sampleRate: p.SampleRate}
	case types.SpeechChunk:
		j = job{sessionID: p.SessionID, chunkID: p.ChunkID, data: p.Data, sampleRate: p.SampleRate}
	default:
		return
	}

	for {
		cur := w.inFlight.Load()
		if cur >= int64(w.maxInFlight) {
			w.droppedBusy.Add(1)
			if w.metrics != nil {
				w.metrics.RecordWorkerDrop(context.Background(), string(w.analyzer.Kind()))
			}
			slog.Warn("worker at capacity, dropping chunk",
				"worker", w.source,
				"correlation_id", types.Correlation(j.sessionID, j.chunkID),
				"max_in_flight", w.maxInFlight,
			)
			return
		}
		if w.inFlight.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	w.enqueue(j)
}

// enqueue hands an admitted job to the consumer pool. Stop can finish
// draining between the admission check and the CAS taking the slot; a job
// queued then would sit in the inbox with no consumer and never produce a
// result, so the slot is released and the chunk dropped instead.
func (w *Worker) enqueue(j job) bool {
	if !w.running.Load() {
		w.inFlight.Add(-1)
		w.droppedNotRunning.Add(1)
		return false
	}
	w.inbox <- j
	return true
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case j := <-w.inbox:
			w.process(ctx, j)
			w.inFlight.Add(-1)
		}
	}
}

// process runs the analyzer for one chunk and publishes its result. The
// engine call runs in a separate goroutine so that an engine ignoring
// context cancellation cannot hold the deadline hostage; a late return after
// the deadline is discarded.
func (w *Worker) process(parent context.Context, j job) {
	kind := w.analyzer.Kind()
	corr := types.Correlation(j.sessionID, j.chunkID)

	if w.breaker != nil && !w.breaker.Allow() {
		w.failed.Add(1)
		w.publishResult(j, types.AnalyzerResult{
			SessionID: j.sessionID,
			ChunkID:   j.chunkID,
			Kind:      kind,
			Payload:   types.ErrorPayload(kind, "circuit open"),
			Error:     "circuit open",
		})
		return
	}

	pctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	out := make(chan outcome, 1)
	go w.runAnalyzer(pctx, j, out)

	select {
	case o := <-out:
		elapsedMS := float64(o.elapsed) / float64(time.Millisecond)
		if o.err != nil {
			if w.breaker != nil {
				w.breaker.RecordFailure()
			}
			w.failed.Add(1)
			w.publishResult(j, types.AnalyzerResult{
				SessionID:    j.sessionID,
				ChunkID:      j.chunkID,
				Kind:         kind,
				Payload:      types.ErrorPayload(kind, o.err.Error()),
				ProcessingMS: elapsedMS,
				Error:        o.err.Error(),
			})
			return
		}
		if w.breaker != nil {
			w.breaker.RecordSuccess()
		}
		res := types.AnalyzerResult{
			SessionID:    j.sessionID,
			ChunkID:      j.chunkID,
			Kind:         kind,
			Payload:      o.payload,
			ProcessingMS: elapsedMS,
			OK:           true,
		}
		w.publishResult(j, res)
		w.announceSpeech(j, res, corr)

	case <-pctx.Done():
		if !errors.Is(pctx.Err(), context.DeadlineExceeded) {
			// Worker shutdown cancelled the chunk; the aggregator's flush
			// produces the terminal event for it.
			return
		}
		if w.breaker != nil {
			w.breaker.RecordFailure()
		}
		w.timedOut.Add(1)
		slog.Warn("chunk processing timed out",
			"worker", w.source,
			"correlation_id", corr,
			"timeout", w.timeout,
		)
		w.publishResult(j, types.AnalyzerResult{
			SessionID:    j.sessionID,
			ChunkID:      j.chunkID,
			Kind:         kind,
			Payload:      types.ErrorPayload(kind, "timeout"),
			ProcessingMS: w.timeout.Seconds() * 1000,
			Error:        "timeout",
		})
	}
}

func (w *Worker) runAnalyzer(ctx context.Context, j job, out chan<- outcome) {
	start := time.Now()
	if w.sem != nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			out <- outcome{err: err, elapsed: time.Since(start)}
			return
		}
		defer w.sem.Release(1)
	}
	payload, err := w.analyzer.Process(ctx, j.data, j.sampleRate)
	if err == nil && payload == nil {
		err = errors.New("analyzer returned no payload")
	}
	out <- outcome{payload: payload, err: err, elapsed: time.Since(start)}
}

func (w *Worker) publishResult(j job, res types.AnalyzerResult) {
	w.processed.Add(1)
	w.b.Publish(bus.Event{
		Topic:         res.Kind.DoneTopic(),
		Source:        w.source,
		CorrelationID: types.Correlation(j.sessionID, j.chunkID),
		Payload:       res,
	})
}

// announceSpeech publishes the chunk on TopicSpeechPresent when a successful
// VAD result flagged it as speech.
func (w *Worker) announceSpeech(j job, res types.AnalyzerResult, corr string) {
	vp, ok := res.Payload.(types.VADPayload)
	if !ok || !res.OK || !vp.IsSpeech {
		return
	}
	w.b.Publish(bus.Event{
		Topic:         types.TopicSpeechPresent,
		Source:        w.source,
		CorrelationID: corr,
		Payload: types.SpeechChunk{
			SessionID:     j.sessionID,
			ChunkID:       j.chunkID,
			Data:          j.data,
			SampleRate:    j.sampleRate,
			VADConfidence: vp.Confidence,
		},
	})
}

func (w *Worker) awaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
