// Package whisper implements speech recognition on the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once in Initialize and shared by all Process calls;
// each call runs inference in a fresh whisper context. Contexts are not
// thread-safe, and inference is memory-heavy, so the engine does not declare
// itself concurrent-safe — the worker serializes Process calls.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/audio"
	"github.com/MrWong99/phonoxa/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultLanguage = "en"

	// modelSampleRate is the only sample rate whisper.cpp accepts. Chunks
	// arriving at other rates are resampled before inference.
	modelSampleRate = 16000
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// Engine is the whisper.cpp speech recognition engine.
type Engine struct {
	modelPath string
	language  string

	mu    sync.Mutex
	model whisperlib.Model
}

// New returns an [Engine] that will load the whisper.cpp model from
// modelPath on Initialize.
func New(modelPath string, opts ...Option) *Engine {
	e := &Engine{
		modelPath: modelPath,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Kind implements [analyzer.Service].
func (e *Engine) Kind() types.Kind { return types.KindASR }

// Info implements [analyzer.Service].
func (e *Engine) Info() string {
	return fmt.Sprintf("whisper.cpp (model=%s lang=%s)", filepath.Base(e.modelPath), e.language)
}

// Initialize loads the whisper model. Calling it on an already-initialized
// engine is a no-op.
func (e *Engine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return nil
	}
	if e.modelPath == "" {
		return errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(e.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", e.modelPath, err)
	}
	e.model = model
	slog.Info("whisper model loaded", "model", e.modelPath, "language", e.language)
	return nil
}

// Process implements [analyzer.Service]. It resamples the chunk to 16kHz if
// needed, runs inference in a fresh whisper context, and returns the
// concatenated segment text.
func (e *Engine) Process(ctx context.Context, data []byte, sampleRate int) (types.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	model := e.model
	e.mu.Unlock()
	if model == nil {
		return nil, errors.New("whisper: engine not initialized")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}
	if len(data) < 2 {
		return types.ASRPayload{Segments: []types.ASRSegment{}, Language: e.language}, nil
	}

	pcm := data
	if sampleRate != modelSampleRate {
		pcm = audio.ResampleMono16(data, sampleRate, modelSampleRate)
	}
	samples := audio.ToFloat32(pcm)

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", e.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts     []string
		segments  = []types.ASRSegment{}
		confTotal float64
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		conf := segmentConfidence(segment)
		segments = append(segments, types.ASRSegment{
			StartS:     segment.Start.Seconds(),
			EndS:       segment.End.Seconds(),
			Text:       text,
			Confidence: conf,
		})
		parts = append(parts, text)
		confTotal += conf
	}

	var confidence float64
	if len(segments) > 0 {
		confidence = confTotal / float64(len(segments))
	}

	return types.ASRPayload{
		Text:       strings.Join(parts, " "),
		Confidence: confidence,
		Segments:   segments,
		Language:   e.language,
	}, nil
}

// segmentConfidence averages the token probabilities of one segment.
// Returns 0 when the segment carries no tokens.
func segmentConfidence(segment whisperlib.Segment) float64 {
	if len(segment.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range segment.Tokens {
		sum += float64(t.P)
	}
	return sum / float64(len(segment.Tokens))
}

// Cleanup releases the whisper model. Calling it on an engine that was never
// initialized, or twice, is a no-op.
func (e *Engine) Cleanup(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	if err != nil {
		return fmt.Errorf("whisper: close model: %w", err)
	}
	return nil
}

var _ analyzer.Service = (*Engine)(nil)
