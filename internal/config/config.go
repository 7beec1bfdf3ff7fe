// Package config provides the configuration schema, loader, file watcher and
// analyzer-engine registry for the Phonoxa speech pipeline server.
package config

// LogLevel controls log verbosity for the Phonoxa server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler type.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Routing selects how chunks reach the ASR and diarization workers.
type Routing string

const (
	// RoutingAll broadcasts every chunk to every worker.
	RoutingAll Routing = "all"

	// RoutingGated runs only VAD on raw chunks; ASR and diarization receive
	// chunks the VAD worker republished as containing speech.
	RoutingGated Routing = "gated"
)

// IsValid reports whether r is a recognised routing mode.
func (r Routing) IsValid() bool {
	return r == RoutingAll || r == RoutingGated
}

// Config is the root configuration structure for Phonoxa.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Analyzers  AnalyzersConfig  `yaml:"analyzers"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level controls verbosity. Default: "info".
	Level LogLevel `yaml:"level"`

	// Format selects the handler: "text" or "json". Default: "text".
	Format LogFormat `yaml:"format"`
}

// ServerConfig holds network settings for the Phonoxa server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PipelineConfig holds worker and aggregator settings.
type PipelineConfig struct {
	// Routing selects broadcast ("all") or VAD-gated ("gated") chunk
	// delivery. Default: "all".
	Routing Routing `yaml:"routing"`

	// MaxInFlight is the number of chunks each worker processes
	// concurrently; further chunks are dropped, not queued. Default: 4.
	MaxInFlight int `yaml:"max_in_flight"`

	// ChunkTimeout bounds a single analyzer call. On expiry the worker
	// publishes a failed result with error "timeout". Default: 30s.
	ChunkTimeout Duration `yaml:"chunk_timeout"`

	// AggregationTimeout bounds how long the aggregator waits for the
	// remaining analyzer results of a chunk. Default: 30s.
	AggregationTimeout Duration `yaml:"aggregation_timeout"`

	// CleanupInterval is the aggregator's expiry sweep interval. Default: 1s.
	CleanupInterval Duration `yaml:"cleanup_interval"`

	// SessionGrace is how long ended sessions stay queryable before the
	// session sweeper removes them. Default: 5m.
	SessionGrace Duration `yaml:"session_grace"`

	// HistorySize is the number of recent bus events retained for
	// introspection. Zero disables history. Default: 1000.
	HistorySize int `yaml:"history_size"`
}

// IngressConfig holds websocket ingress settings.
type IngressConfig struct {
	// MaxChunkBytes is the largest accepted binary chunk. Default: 65536.
	MaxChunkBytes int `yaml:"max_chunk_bytes"`

	// SampleRate of incoming PCM in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of incoming PCM: 1 or 2. Stereo is downmixed to mono before
	// entering the pipeline. Default: 1.
	Channels int `yaml:"channels"`

	// MaxPendingChunks is the per-session cap on chunks awaiting results
	// before new chunks are rejected with backpressure. 0 disables the cap.
	// Default: 8.
	MaxPendingChunks int `yaml:"max_pending_chunks"`

	// MaxChunksPerSecond rate-limits binary chunks per connection.
	// 0 disables. Default: 0.
	MaxChunksPerSecond float64 `yaml:"max_chunks_per_second"`
}

// AnalyzersConfig selects the engine for each analysis kind.
type AnalyzersConfig struct {
	VAD         AnalyzerEntry `yaml:"vad"`
	ASR         AnalyzerEntry `yaml:"asr"`
	Diarization AnalyzerEntry `yaml:"diarization"`
}

// AnalyzerEntry is the common configuration block shared by all analyzer
// kinds. The Engine field is used to look up the constructor in the
// [Registry].
type AnalyzerEntry struct {
	// Engine selects the registered engine implementation
	// (e.g., "energy", "whisper", "heuristic", "mock").
	Engine string `yaml:"engine"`

	// Options holds engine-specific configuration values. Values may be
	// strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig holds circuit-breaker settings applied in front of every
// analyzer engine.
type ResilienceConfig struct {
	// BreakerEnabled turns the circuit breaker on. Default: false.
	BreakerEnabled bool `yaml:"breaker_enabled"`

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// TranscriptConfig holds running-transcript and keyword-spotting settings.
type TranscriptConfig struct {
	// Enabled turns transcript assembly on. Default: true.
	Enabled bool `yaml:"enabled"`

	// Keywords to spot in recognized text. Empty disables spotting.
	Keywords []string `yaml:"keywords"`

	// KeywordThreshold is the phonetic match score in [0, 1] below which a
	// sound-alike candidate is rejected. Default: 0.70.
	KeywordThreshold float64 `yaml:"keyword_threshold"`
}
