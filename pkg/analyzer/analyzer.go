// Package analyzer defines the Service interface that all analysis engines
// implement.
//
// An analyzer wraps one stage of the chunk pipeline (VAD, ASR or speaker
// diarization) behind a uniform lifecycle: Initialize loads models or opens
// backends, Process runs the analysis for a single chunk, and Cleanup releases
// everything again. Engines are selected and configured by name through the
// config layer, so the pipeline never depends on a concrete implementation.
//
// Analyzers are assumed NOT safe for concurrent use: the worker serializes
// Process calls through a semaphore unless the engine opts out via the
// [Concurrent] capability interface.
package analyzer

import (
	"context"

	"github.com/MrWong99/phonoxa/pkg/types"
)

// Service is one analysis engine. The worker owns the lifecycle: Initialize
// is called once before any Process call, Cleanup once after the last.
type Service interface {
	// Kind reports which analysis stage this engine implements.
	Kind() types.Kind

	// Info returns a short human-readable description of the engine and its
	// configuration, e.g. "energy-vad (threshold=300)". Surfaced in worker
	// status and the startup summary.
	Info() string

	// Initialize prepares the engine for Process calls: loading models,
	// allocating buffers, validating options. Calling Initialize on an
	// already-initialized engine is a no-op.
	Initialize(ctx context.Context) error

	// Process analyses one chunk of raw PCM audio and returns the
	// kind-specific payload. The data slice must not be retained or mutated.
	// Implementations should honor ctx cancellation where their backend
	// allows it; the worker enforces the chunk deadline either way.
	Process(ctx context.Context, data []byte, sampleRate int) (types.Payload, error)

	// Cleanup releases all engine resources. Calling Cleanup on an engine
	// that was never initialized, or twice, is a no-op.
	Cleanup(ctx context.Context) error
}

// Concurrent is an optional capability interface. Engines whose Process is
// safe to call from multiple goroutines implement it and return true; for
// everything else the worker admits at most one Process call at a time.
type Concurrent interface {
	ConcurrentSafe() bool
}

// ConcurrentSafe reports whether s declares its Process method safe for
// concurrent use.
func ConcurrentSafe(s Service) bool {
	c, ok := s.(Concurrent)
	return ok && c.ConcurrentSafe()
}
