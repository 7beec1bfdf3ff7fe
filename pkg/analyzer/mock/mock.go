// Package mock provides a configurable test double for the [analyzer.Service]
// interface.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Its default Process behavior
// is deterministic so that pipeline tests can assert exact payloads:
//
//   - vad: speech iff the chunk is larger than 1024 bytes
//   - asr: text is "T" followed by the chunk length, e.g. "T2000"
//   - diarization: a single speaker "S0" spanning the whole chunk
//
// Typical usage:
//
//	asr := mock.NewAnalyzer(types.KindASR)
//	asr.ProcessDelay = 200 * time.Millisecond
//
//	// inject asr into the system under test …
//
//	if got := asr.CallCount("Process"); got != 1 {
//	    t.Errorf("expected 1 Process call, got %d", got)
//	}
//
// All methods are safe for concurrent use via an internal [sync.Mutex].
package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	// For Process this is the chunk length and the sample rate, not the raw
	// bytes.
	Args []any
}

// Analyzer is a configurable test double for [analyzer.Service]. Create it
// with [NewAnalyzer]; the zero value has no kind and fails every Process.
type Analyzer struct {
	mu sync.Mutex

	kind        types.Kind
	initialized bool
	calls       []Call
	active      int
	maxActive   int

	// InitializeErr is returned by [Analyzer.Initialize] when non-nil.
	InitializeErr error

	// ProcessErr is returned by [Analyzer.Process] when non-nil, after any
	// configured delay.
	ProcessErr error

	// CleanupErr is returned by [Analyzer.Cleanup] when non-nil.
	CleanupErr error

	// ProcessDelay makes every Process call sleep before returning. The
	// sleep ignores context cancellation, simulating an engine that cannot
	// be interrupted mid-inference.
	ProcessDelay time.Duration

	// ProcessFn, when non-nil, replaces the default deterministic Process
	// behavior entirely. The delay and error fields still apply first.
	ProcessFn func(ctx context.Context, data []byte, sampleRate int) (types.Payload, error)

	// Concurrent declares the mock safe for parallel Process calls.
	Concurrent bool
}

// NewAnalyzer returns a mock analyzer for the given kind.
func NewAnalyzer(kind types.Kind) *Analyzer {
	return &Analyzer{kind: kind}
}

// Kind implements [analyzer.Service].
func (m *Analyzer) Kind() types.Kind { return m.kind }

// Info implements [analyzer.Service].
func (m *Analyzer) Info() string { return "mock-" + string(m.kind) }

// ConcurrentSafe implements [analyzer.Concurrent].
func (m *Analyzer) ConcurrentSafe() bool { return m.Concurrent }

// Initialize implements [analyzer.Service].
func (m *Analyzer) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Initialize"})
	if m.InitializeErr != nil {
		return m.InitializeErr
	}
	m.initialized = true
	return nil
}

// Process implements [analyzer.Service]. Unless [Analyzer.ProcessFn] is set,
// it returns the deterministic payload documented on the package.
func (m *Analyzer) Process(ctx context.Context, data []byte, sampleRate int) (types.Payload, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Process", Args: []any{len(data), sampleRate}})
	if !m.initialized {
		m.mu.Unlock()
		return nil, errors.New("mock: analyzer not initialized")
	}
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	delay, fn, procErr := m.ProcessDelay, m.ProcessFn, m.ProcessErr
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if procErr != nil {
		return nil, procErr
	}
	if fn != nil {
		return fn(ctx, data, sampleRate)
	}

	duration := float64(len(data)) / float64(sampleRate*2)
	switch m.kind {
	case types.KindVAD:
		if len(data) > 1024 {
			return types.VADPayload{
				IsSpeech:   true,
				Confidence: 0.95,
				Segments:   [][2]float64{{0, duration}},
			}, nil
		}
		return types.VADPayload{Confidence: 0.05, Segments: [][2]float64{}}, nil
	case types.KindASR:
		text := "T" + strconv.Itoa(len(data))
		return types.ASRPayload{
			Text:       text,
			Confidence: 0.9,
			Segments:   []types.ASRSegment{{StartS: 0, EndS: duration, Text: text, Confidence: 0.9}},
			Language:   "en",
		}, nil
	case types.KindDiarization:
		return types.DiarizationPayload{
			Speakers: []string{"S0"},
			Segments: []types.SpeakerSegment{{Speaker: "S0", StartS: 0, EndS: duration}},
		}, nil
	}
	return nil, errors.New("mock: analyzer has no kind")
}

// Cleanup implements [analyzer.Service].
func (m *Analyzer) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Cleanup"})
	if m.CleanupErr != nil {
		return m.CleanupErr
	}
	m.initialized = false
	return nil
}

// Calls returns a copy of all recorded method invocations.
func (m *Analyzer) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Analyzer) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MaxActive returns the highest number of Process calls that were ever in
// flight at the same time. Worker serialization tests assert this stays at 1
// for analyzers that are not concurrent-safe.
func (m *Analyzer) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// Reset clears all recorded calls and counters without altering response
// configuration or initialization state.
func (m *Analyzer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.maxActive = 0
}

// Ensure Analyzer satisfies the interfaces at compile time.
var (
	_ analyzer.Service    = (*Analyzer)(nil)
	_ analyzer.Concurrent = (*Analyzer)(nil)
)
