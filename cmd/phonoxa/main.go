// Command phonoxa is the main entry point for the Phonoxa speech-processing
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/phonoxa/internal/app"
	"github.com/MrWong99/phonoxa/internal/config"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/internal/transcript"
	"github.com/MrWong99/phonoxa/pkg/analyzer"
	whisperasr "github.com/MrWong99/phonoxa/pkg/analyzer/asr/whisper"
	"github.com/MrWong99/phonoxa/pkg/analyzer/diarization/heuristic"
	analyzermock "github.com/MrWong99/phonoxa/pkg/analyzer/mock"
	"github.com/MrWong99/phonoxa/pkg/analyzer/vad/energy"
	"github.com/MrWong99/phonoxa/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "phonoxa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "phonoxa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// rebuilding the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Log.Level))
	slog.SetDefault(newLogger(cfg.Log.Format, logLevel))

	slog.Info("phonoxa starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Log.Level,
		"routing", cfg.Pipeline.Routing,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry providers ───────────────────────────────────────────────────
	// Must run before app.New: the default metrics bind to the global meter
	// provider on first use.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "phonoxa",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload (optional) ──────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			applyReload(application, logLevel, d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Engine wiring ────────────────────────────────────────────────────────────

// registerBuiltinEngines wires all in-tree analyzer engine factories into reg.
// Each factory receives a [config.AnalyzerEntry] and interprets its opaque
// options; the "mock" engine is registered for every kind so a model-free
// dev deployment works out of the box.
func registerBuiltinEngines(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.Register(types.KindVAD, "energy", func(entry config.AnalyzerEntry) (analyzer.Service, error) {
		var opts []energy.Option
		if rms := entry.FloatOption("threshold", 0); rms > 0 {
			opts = append(opts, energy.WithThreshold(rms))
		}
		if ms := entry.IntOption("frame_ms", 0); ms > 0 {
			opts = append(opts, energy.WithFrameMS(ms))
		}
		if ratio := entry.FloatOption("min_speech_ratio", 0); ratio > 0 {
			opts = append(opts, energy.WithMinSpeechRatio(ratio))
		}
		return energy.New(opts...), nil
	})

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.Register(types.KindASR, "whisper", func(entry config.AnalyzerEntry) (analyzer.Service, error) {
		modelPath := entry.StringOption("model_path", "")
		if modelPath == "" {
			return nil, errors.New("asr engine whisper requires options.model_path")
		}
		var opts []whisperasr.Option
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisperasr.WithLanguage(lang))
		}
		return whisperasr.New(modelPath, opts...), nil
	})

	// ── Diarization ───────────────────────────────────────────────────────────

	reg.Register(types.KindDiarization, "heuristic", func(entry config.AnalyzerEntry) (analyzer.Service, error) {
		var opts []heuristic.Option
		if rms := entry.FloatOption("threshold", 0); rms > 0 {
			opts = append(opts, heuristic.WithThreshold(rms))
		}
		if ms := entry.IntOption("frame_ms", 0); ms > 0 {
			opts = append(opts, heuristic.WithFrameMS(ms))
		}
		if gap := entry.IntOption("merge_gap_ms", 0); gap > 0 {
			opts = append(opts, heuristic.WithMergeGapMS(gap))
		}
		return heuristic.New(opts...), nil
	})

	// ── Mock (every kind) ─────────────────────────────────────────────────────

	for _, kind := range types.Kinds() {
		kind := kind
		reg.Register(kind, "mock", func(entry config.AnalyzerEntry) (analyzer.Service, error) {
			m := analyzermock.NewAnalyzer(kind)
			if delay := entry.IntOption("process_delay_ms", 0); delay > 0 {
				m.ProcessDelay = time.Duration(delay) * time.Millisecond
			}
			return m, nil
		})
	}

	for _, kind := range types.Kinds() {
		for _, name := range reg.Engines(kind) {
			slog.Debug("registered engine", "kind", kind, "engine", name)
		}
	}
}

// ─── Config reload ────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable parts of a config change to the
// running server and reports the rest as restart-required.
func applyReload(application *app.App, logLevel *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.KeywordsChanged {
		if asm := application.Assembler(); asm != nil {
			var spotter *transcript.Spotter
			if len(d.NewKeywords) > 0 {
				spotter = transcript.NewSpotter(d.NewKeywords,
					transcript.WithPhoneticThreshold(d.NewKeywordThreshold))
			}
			asm.SetSpotter(spotter)
			slog.Info("keyword list changed", "keywords", len(d.NewKeywords))
		} else {
			slog.Warn("keyword list changed but transcript assembly is disabled — restart required")
		}
	}
	for _, path := range d.RestartRequired {
		slog.Warn("config change requires restart", "path", path)
	}
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Phonoxa — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEngine("VAD", cfg.Analyzers.VAD.Engine)
	printEngine("ASR", cfg.Analyzers.ASR.Engine)
	printEngine("Diarization", cfg.Analyzers.Diarization.Engine)
	fmt.Printf("║  Routing         : %-19s ║\n", cfg.Pipeline.Routing)
	if cfg.Transcript.Enabled {
		fmt.Printf("║  Keywords        : %-19d ║\n", len(cfg.Transcript.Keywords))
	} else {
		fmt.Printf("║  Keywords        : %-19s ║\n", "(disabled)")
	}
	if cfg.Resilience.BreakerEnabled {
		fmt.Printf("║  Breaker         : %-19s ║\n", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEngine(kind, engine string) {
	if engine == "" {
		engine = "(not configured)"
	}
	if len(engine) > 19 {
		engine = engine[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, engine)
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
