package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownEngineNames lists engine names shipped in-tree per analyzer kind.
// Used by [Validate] to warn about unrecognised engine names; unknown names
// are not an error because callers may register their own engines.
var KnownEngineNames = map[string][]string{
	"vad":         {"energy", "mock"},
	"asr":         {"whisper", "mock"},
	"diarization": {"heuristic", "mock"},
}

// Default returns a fully populated configuration with every field at its
// documented default. [LoadFromReader] decodes the YAML document over this
// struct, so fields absent from the file keep their default.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Pipeline: PipelineConfig{
			Routing:            RoutingAll,
			MaxInFlight:        4,
			ChunkTimeout:       Duration(30 * time.Second),
			AggregationTimeout: Duration(30 * time.Second),
			CleanupInterval:    Duration(time.Second),
			SessionGrace:       Duration(5 * time.Minute),
			HistorySize:        1000,
		},
		Ingress: IngressConfig{
			MaxChunkBytes:    64 * 1024,
			SampleRate:       16000,
			Channels:         1,
			MaxPendingChunks: 8,
		},
		Analyzers: AnalyzersConfig{
			VAD:         AnalyzerEntry{Engine: "energy"},
			ASR:         AnalyzerEntry{Engine: "mock"},
			Diarization: AnalyzerEntry{Engine: "heuristic"},
		},
		Resilience: ResilienceConfig{
			MaxFailures:  5,
			ResetTimeout: Duration(30 * time.Second),
			HalfOpenMax:  3,
		},
		Transcript: TranscriptConfig{
			Enabled:          true,
			KeywordThreshold: 0.70,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Unknown fields are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Pipeline
	if !cfg.Pipeline.Routing.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.routing %q is invalid; valid values: all, gated", cfg.Pipeline.Routing))
	}
	if cfg.Pipeline.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_in_flight must be at least 1, got %d", cfg.Pipeline.MaxInFlight))
	}
	if cfg.Pipeline.ChunkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunk_timeout must be positive, got %s", cfg.Pipeline.ChunkTimeout))
	}
	if cfg.Pipeline.AggregationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.aggregation_timeout must be positive, got %s", cfg.Pipeline.AggregationTimeout))
	}
	if cfg.Pipeline.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.cleanup_interval must be positive, got %s", cfg.Pipeline.CleanupInterval))
	}
	if cfg.Pipeline.SessionGrace < 0 {
		errs = append(errs, fmt.Errorf("pipeline.session_grace must not be negative, got %s", cfg.Pipeline.SessionGrace))
	}
	if cfg.Pipeline.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_size must not be negative, got %d", cfg.Pipeline.HistorySize))
	}

	// Ingress
	if cfg.Ingress.MaxChunkBytes < 1 {
		errs = append(errs, fmt.Errorf("ingress.max_chunk_bytes must be at least 1, got %d", cfg.Ingress.MaxChunkBytes))
	}
	if cfg.Ingress.SampleRate < 8000 || cfg.Ingress.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("ingress.sample_rate %d is out of range [8000, 48000]", cfg.Ingress.SampleRate))
	}
	if cfg.Ingress.Channels != 1 && cfg.Ingress.Channels != 2 {
		errs = append(errs, fmt.Errorf("ingress.channels must be 1 or 2, got %d", cfg.Ingress.Channels))
	}
	if cfg.Ingress.MaxPendingChunks < 0 {
		errs = append(errs, fmt.Errorf("ingress.max_pending_chunks must not be negative, got %d", cfg.Ingress.MaxPendingChunks))
	}
	if cfg.Ingress.MaxChunksPerSecond < 0 {
		errs = append(errs, fmt.Errorf("ingress.max_chunks_per_second must not be negative, got %f", cfg.Ingress.MaxChunksPerSecond))
	}

	// Analyzers
	validateEngineName(&errs, "vad", cfg.Analyzers.VAD)
	validateEngineName(&errs, "asr", cfg.Analyzers.ASR)
	validateEngineName(&errs, "diarization", cfg.Analyzers.Diarization)

	if cfg.Analyzers.ASR.Engine == "whisper" {
		if _, ok := cfg.Analyzers.ASR.Options["model_path"]; !ok {
			slog.Warn("analyzers.asr uses the whisper engine without options.model_path; engine initialization will fail")
		}
	}

	// Resilience
	if cfg.Resilience.BreakerEnabled {
		if cfg.Resilience.MaxFailures < 1 {
			errs = append(errs, fmt.Errorf("resilience.max_failures must be at least 1, got %d", cfg.Resilience.MaxFailures))
		}
		if cfg.Resilience.ResetTimeout <= 0 {
			errs = append(errs, fmt.Errorf("resilience.reset_timeout must be positive, got %s", cfg.Resilience.ResetTimeout))
		}
		if cfg.Resilience.HalfOpenMax < 1 {
			errs = append(errs, fmt.Errorf("resilience.half_open_max must be at least 1, got %d", cfg.Resilience.HalfOpenMax))
		}
	}

	// Transcript
	if cfg.Transcript.KeywordThreshold < 0 || cfg.Transcript.KeywordThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcript.keyword_threshold %.2f is out of range [0, 1]", cfg.Transcript.KeywordThreshold))
	}
	if cfg.Transcript.Enabled && len(cfg.Transcript.Keywords) == 0 {
		slog.Warn("transcript.enabled is set with no keywords; transcripts are assembled but nothing is spotted")
	}

	return errors.Join(errs...)
}

// validateEngineName records an error for an empty engine name and logs a
// warning if the name is not found in the [KnownEngineNames] list for the
// given kind.
func validateEngineName(errs *[]error, kind string, entry AnalyzerEntry) {
	if entry.Engine == "" {
		*errs = append(*errs, fmt.Errorf("analyzers.%s.engine is required", kind))
		return
	}
	known, ok := KnownEngineNames[kind]
	if !ok || slices.Contains(known, entry.Engine) {
		return
	}
	slog.Warn("unknown engine name — may be a typo or an externally registered engine",
		"kind", kind,
		"engine", entry.Engine,
		"known", known,
	)
}
