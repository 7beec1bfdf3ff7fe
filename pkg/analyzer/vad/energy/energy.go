// Package energy implements voice activity detection from frame energy.
//
// The detector splits a chunk into fixed-length frames, computes the RMS
// energy of each, and marks frames above a configurable threshold as speech.
// The chunk counts as speech when the fraction of speech frames reaches the
// minimum speech ratio; that fraction doubles as the reported confidence.
// Contiguous speech frames are merged into segments.
//
// Compared to a model-backed detector this is crude but dependency-free and
// fast enough to run on every chunk without a worker queue.
package energy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/audio"
	"github.com/MrWong99/phonoxa/pkg/types"
)

const (
	// defaultThreshold is the RMS energy (in 16-bit PCM sample units, 0–32767)
	// above which a frame counts as speech. 300 suits close-mic voice at
	// normal levels; raise it for noisy inputs.
	defaultThreshold = 300.0

	// defaultFrameMS is the analysis frame length in milliseconds.
	defaultFrameMS = 30

	// defaultMinSpeechRatio is the fraction of speech frames required for the
	// whole chunk to count as speech.
	defaultMinSpeechRatio = 0.1
)

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithThreshold sets the per-frame RMS speech threshold. Default: 300.
func WithThreshold(rms float64) Option {
	return func(d *Detector) { d.threshold = rms }
}

// WithFrameMS sets the analysis frame length in milliseconds. Default: 30.
func WithFrameMS(ms int) Option {
	return func(d *Detector) { d.frameMS = ms }
}

// WithMinSpeechRatio sets the fraction of speech frames required for the
// chunk-level speech verdict. Default: 0.1.
func WithMinSpeechRatio(ratio float64) Option {
	return func(d *Detector) { d.minSpeechRatio = ratio }
}

// Detector is the energy-based VAD engine.
type Detector struct {
	threshold      float64
	frameMS        int
	minSpeechRatio float64

	mu          sync.Mutex
	initialized bool
}

// New returns a [Detector] configured with the supplied options. Option
// values are validated by Initialize.
func New(opts ...Option) *Detector {
	d := &Detector{
		threshold:      defaultThreshold,
		frameMS:        defaultFrameMS,
		minSpeechRatio: defaultMinSpeechRatio,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Kind implements [analyzer.Service].
func (d *Detector) Kind() types.Kind { return types.KindVAD }

// Info implements [analyzer.Service].
func (d *Detector) Info() string {
	return fmt.Sprintf("energy-vad (threshold=%.0f frame=%dms)", d.threshold, d.frameMS)
}

// ConcurrentSafe implements [analyzer.Concurrent]. Detection is pure
// computation over the input, so parallel Process calls are fine.
func (d *Detector) ConcurrentSafe() bool { return true }

// Initialize validates the configuration. There is no model to load.
func (d *Detector) Initialize(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if d.threshold <= 0 {
		return fmt.Errorf("energy: threshold must be positive, got %f", d.threshold)
	}
	if d.frameMS <= 0 {
		return fmt.Errorf("energy: frame length must be positive, got %dms", d.frameMS)
	}
	if d.minSpeechRatio < 0 || d.minSpeechRatio > 1 {
		return fmt.Errorf("energy: min speech ratio must be in [0, 1], got %f", d.minSpeechRatio)
	}
	d.initialized = true
	return nil
}

// Process implements [analyzer.Service].
func (d *Detector) Process(ctx context.Context, data []byte, sampleRate int) (types.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	ready := d.initialized
	d.mu.Unlock()
	if !ready {
		return nil, errors.New("energy: detector not initialized")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", sampleRate)
	}
	if len(data) < 2 {
		return types.VADPayload{Segments: [][2]float64{}}, nil
	}

	frameBytes := sampleRate * d.frameMS / 1000 * 2
	if frameBytes < 2 {
		frameBytes = 2
	}

	frameS := float64(d.frameMS) / 1000
	chunkS := float64(len(data)/2) / float64(sampleRate)

	var (
		total    int
		speech   int
		segments = [][2]float64{}
		segStart = -1 // frame index where the open segment began
	)
	closeSegment := func(endFrame int) {
		if segStart < 0 {
			return
		}
		end := float64(endFrame) * frameS
		if end > chunkS {
			end = chunkS
		}
		segments = append(segments, [2]float64{float64(segStart) * frameS, end})
		segStart = -1
	}

	for start := 0; start < len(data); start += frameBytes {
		end := start + frameBytes
		if end > len(data) {
			end = len(data)
		}
		isSpeech := audio.RMS(data[start:end]) >= d.threshold
		if isSpeech {
			if segStart < 0 {
				segStart = total
			}
			speech++
		} else {
			closeSegment(total)
		}
		total++
	}
	closeSegment(total)

	ratio := float64(speech) / float64(total)
	return types.VADPayload{
		IsSpeech:   speech > 0 && ratio >= d.minSpeechRatio,
		Confidence: ratio,
		Segments:   segments,
	}, nil
}

// Cleanup implements [analyzer.Service].
func (d *Detector) Cleanup(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

var (
	_ analyzer.Service    = (*Detector)(nil)
	_ analyzer.Concurrent = (*Detector)(nil)
)
