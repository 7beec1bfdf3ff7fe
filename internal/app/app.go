// Package app wires all Phonoxa subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts them in dependency order and serves HTTP until the
// context is cancelled, and Shutdown tears everything down in an order that
// lets connected clients receive the terminal results of their in-flight
// chunks.
//
// For testing, inject mock engines via functional options (WithAnalyzer,
// WithMetrics). When an option is not provided, New builds real engines from
// the config registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/internal/config"
	"github.com/MrWong99/phonoxa/internal/gateway"
	"github.com/MrWong99/phonoxa/internal/health"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/internal/pipeline"
	"github.com/MrWong99/phonoxa/internal/resilience"
	"github.com/MrWong99/phonoxa/internal/session"
	"github.com/MrWong99/phonoxa/internal/transcript"
	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// App owns all subsystem lifetimes and orchestrates the Phonoxa audio
// pipeline.
type App struct {
	cfg *config.Config

	// Subsystems — created in New, started in Run, torn down in Shutdown.
	bus        *bus.Bus
	sessions   *session.Manager
	workers    []*pipeline.Worker
	aggregator *pipeline.Aggregator
	assembler  *transcript.Assembler
	gateway    *gateway.Handler
	observer   *observe.BusObserver
	metrics    *observe.Metrics

	httpServer *http.Server

	// engines holds per-kind overrides injected via WithAnalyzer. Kinds
	// without an override are built from the registry.
	engines map[types.Kind]analyzer.Service

	mu       sync.Mutex
	listener net.Listener

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAnalyzer injects an engine for kind instead of creating one from the
// registry.
func WithAnalyzer(kind types.Kind, svc analyzer.Service) Option {
	return func(a *App) { a.engines[kind] = svc }
}

// WithMetrics injects a metrics set instead of the process-wide default.
// Tests use this with a private meter provider to avoid cross-test pollution.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Analyzer engines are
// built from the registry according to cfg.Analyzers unless injected via
// WithAnalyzer. cfg should have passed [config.Config.Validate].
//
// New only constructs. Nothing subscribes, listens or touches an engine
// until [App.Run].
func New(cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		engines: make(map[types.Kind]analyzer.Service, len(types.Kinds())),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.bus = bus.New(bus.WithHistorySize(cfg.Pipeline.HistorySize))

	// ── 2. Session table ─────────────────────────────────────────────────
	a.sessions = session.NewManager(session.ManagerConfig{
		Grace: cfg.Pipeline.SessionGrace.Std(),
	})

	// ── 3. Analyzer workers ──────────────────────────────────────────────
	if err := a.initWorkers(registry); err != nil {
		return nil, fmt.Errorf("app: init workers: %w", err)
	}

	// ── 4. Aggregator ────────────────────────────────────────────────────
	a.aggregator = pipeline.NewAggregator(pipeline.AggregatorConfig{
		Bus:           a.bus,
		Window:        cfg.Pipeline.AggregationTimeout.Std(),
		SweepInterval: cfg.Pipeline.CleanupInterval.Std(),
		Gated:         cfg.Pipeline.Routing == config.RoutingGated,
	})

	// ── 5. Transcript assembler ──────────────────────────────────────────
	if cfg.Transcript.Enabled {
		var spotter *transcript.Spotter
		if len(cfg.Transcript.Keywords) > 0 {
			spotter = transcript.NewSpotter(cfg.Transcript.Keywords,
				transcript.WithPhoneticThreshold(cfg.Transcript.KeywordThreshold))
		}
		a.assembler = transcript.NewAssembler(transcript.AssemblerConfig{
			Bus:     a.bus,
			Spotter: spotter,
			Metrics: a.metrics,
		})
	}

	// ── 6. Bus observer ──────────────────────────────────────────────────
	a.observer = observe.NewBusObserver(a.metrics)

	// ── 7. Gateway ───────────────────────────────────────────────────────
	gwCfg := gateway.Config{
		Bus:             a.bus,
		Sessions:        a.sessions,
		MaxChunkBytes:   cfg.Ingress.MaxChunkBytes,
		SampleRate:      cfg.Ingress.SampleRate,
		Channels:        cfg.Ingress.Channels,
		MaxPending:      cfg.Ingress.MaxPendingChunks,
		ChunksPerSecond: cfg.Ingress.MaxChunksPerSecond,
		Metrics:         a.metrics,
	}
	if a.assembler != nil {
		gwCfg.Transcripts = a.assembler
	}
	a.gateway = gateway.NewHandler(gwCfg)

	// ── 8. HTTP server ───────────────────────────────────────────────────
	a.httpServer = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initWorkers resolves one engine per analysis kind and wraps each in a
// worker. Under gated routing the ASR and diarization workers consume
// speech_present instead of chunk_in.
func (a *App) initWorkers(registry *config.Registry) error {
	entries := map[types.Kind]config.AnalyzerEntry{
		types.KindVAD:         a.cfg.Analyzers.VAD,
		types.KindASR:         a.cfg.Analyzers.ASR,
		types.KindDiarization: a.cfg.Analyzers.Diarization,
	}
	gated := a.cfg.Pipeline.Routing == config.RoutingGated

	for _, kind := range types.Kinds() {
		svc, ok := a.engines[kind]
		if !ok {
			entry := entries[kind]
			created, err := registry.Create(kind, entry)
			if err != nil {
				return fmt.Errorf("create %s engine: %w", kind, err)
			}
			svc = created
			slog.Info("engine selected", "kind", kind, "engine", entry.Engine, "info", svc.Info())
		}

		var breaker *resilience.Breaker
		if a.cfg.Resilience.BreakerEnabled {
			breaker = resilience.NewBreaker(resilience.BreakerConfig{
				Name:         string(kind),
				MaxFailures:  a.cfg.Resilience.MaxFailures,
				ResetTimeout: a.cfg.Resilience.ResetTimeout.Std(),
				HalfOpenMax:  a.cfg.Resilience.HalfOpenMax,
			})
		}

		topic := types.TopicChunkIn
		if gated && kind != types.KindVAD {
			topic = types.TopicSpeechPresent
		}

		a.workers = append(a.workers, pipeline.NewWorker(pipeline.WorkerConfig{
			Analyzer:    svc,
			Bus:         a.bus,
			Topic:       topic,
			MaxInFlight: a.cfg.Pipeline.MaxInFlight,
			Timeout:     a.cfg.Pipeline.ChunkTimeout.Std(),
			Breaker:     breaker,
			Metrics:     a.metrics,
		}))
	}
	return nil
}

// routes assembles the HTTP handler tree. The websocket endpoint hangs off
// the root mux directly: the observability middleware wraps the response
// writer and would hide the http.Hijacker the upgrade needs. Everything else
// goes through the middleware.
func (a *App) routes() http.Handler {
	ops := http.NewServeMux()
	ops.HandleFunc("GET /{$}", a.serviceInfo)
	health.New(a.checkers()...).Register(ops)
	health.NewStats(a.statsSources()...).Register(ops)
	ops.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.Handle("/ws", a.gateway)
	root.Handle("/", observe.Middleware(a.metrics)(ops))
	return root
}

// serviceInfo answers GET / with a short map of the server's endpoints.
func (a *App) serviceInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"service":            "phonoxa",
		"description":        "real-time speech analysis over websocket",
		"websocket_endpoint": "/ws",
		"health":             "/healthz",
		"stats":              "/stats",
		"metrics":            "/metrics",
	})
}

// checkers builds the readiness checks: every worker running, the aggregator
// running and the gateway accepting.
func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{Name: "workers", Check: func(context.Context) error {
			for _, w := range a.workers {
				if !w.Status().Running {
					return fmt.Errorf("%s worker not running", w.Kind())
				}
			}
			return nil
		}},
		{Name: "aggregator", Check: func(context.Context) error {
			if !a.aggregator.Running() {
				return errors.New("aggregator not running")
			}
			return nil
		}},
		{Name: "gateway", Check: func(context.Context) error {
			if !a.gateway.Stats().Accepting {
				return errors.New("not accepting connections")
			}
			return nil
		}},
	}
}

// statsSources exposes each component's counters under its name.
func (a *App) statsSources() []health.Source {
	sources := []health.Source{
		{Name: "bus", Collect: func() any { return a.bus.Stats() }},
		{Name: "sessions", Collect: func() any { return a.sessions.Stats() }},
		{Name: "workers", Collect: a.workerStats},
		{Name: "aggregator", Collect: func() any { return a.aggregator.Stats() }},
		{Name: "gateway", Collect: func() any { return a.gateway.Stats() }},
	}
	if a.assembler != nil {
		sources = append(sources, health.Source{
			Name:    "transcript",
			Collect: func() any { return a.assembler.Stats() },
		})
	}
	return sources
}

// workerStats maps each worker's status under its kind.
func (a *App) workerStats() any {
	out := make(map[string]pipeline.WorkerStatus, len(a.workers))
	for _, w := range a.workers {
		out[string(w.Kind())] = w.Status()
	}
	return out
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem in dependency order — consumers subscribe
// before producers publish — then serves HTTP until ctx is cancelled or the
// listener fails. Workers initialize their engines during start, so a broken
// engine aborts Run before the listener binds.
func (a *App) Run(ctx context.Context) error {
	a.sessions.Start(ctx)

	for _, w := range a.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("app: start %s worker: %w", w.Kind(), err)
		}
	}
	if err := a.aggregator.Start(ctx); err != nil {
		return fmt.Errorf("app: start aggregator: %w", err)
	}
	if a.assembler != nil {
		a.assembler.Start(ctx)
	}
	for _, topic := range a.observer.Topics() {
		a.bus.Subscribe(topic, a.observer)
	}
	a.gateway.Start()

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	serveErr := make(chan error, 1)
	go func() {
		if t := a.cfg.Server.TLS; t != nil {
			serveErr <- a.httpServer.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			serveErr <- a.httpServer.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the bound listen address once Run has opened the listener,
// "" before that. Useful with a ":0" listen address in tests.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Assembler returns the transcript assembler, or nil when transcript
// assembly is disabled. main.go uses it to swap keywords on config reload.
func (a *App) Assembler() *transcript.Assembler { return a.assembler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the pipeline down in a fixed order so that every chunk
// admitted before the stop still reaches a terminal result on its
// connection: the gateway refuses new connections first, the aggregator
// flushes its open entries as partial results while clients are still
// attached, then workers drain, and only then do the remaining connections
// close. Safe to call multiple times; later calls return nil without
// repeating the teardown.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		// 1. Refuse new connections; open ones keep receiving results.
		a.gateway.StopAccepting()

		// 2. Flush open aggregations while clients can still hear about them.
		if err := a.aggregator.Stop(ctx); err != nil {
			slog.Warn("aggregator stop", "err", err)
		}

		// 3. Drain workers; each runs its engine Cleanup.
		for _, w := range a.workers {
			if err := w.Stop(ctx); err != nil {
				slog.Warn("worker stop", "kind", w.Kind(), "err", err)
			}
		}

		// 4. Detach the remaining consumers and close client connections.
		if a.assembler != nil {
			a.assembler.Stop()
		}
		for _, topic := range a.observer.Topics() {
			a.bus.Unsubscribe(topic, a.observer)
		}
		a.gateway.Close()

		// 5. Stop the HTTP server, the session janitor and the bus.
		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		a.sessions.Stop()
		if err := a.bus.Drain(ctx); err != nil {
			slog.Warn("bus drain", "err", err)
		}
		a.bus.Clear()

		if shutdownErr = ctx.Err(); shutdownErr != nil {
			slog.Warn("shutdown deadline exceeded")
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
