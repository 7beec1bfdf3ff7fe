// Package heuristic implements speaker diarization as energy-gap
// segmentation.
//
// The diarizer has no speaker model: it finds speech runs by frame energy,
// merges runs separated by short pauses, and attributes every resulting
// segment to the single speaker label "S0". That is the honest output for a
// pipeline without voice embeddings — segment boundaries are real, speaker
// identity is assumed.
package heuristic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/audio"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// speakerLabel is the label attributed to every segment.
const speakerLabel = "S0"

const (
	// defaultThreshold is the per-frame RMS energy above which a frame
	// counts as speech, in 16-bit PCM sample units.
	defaultThreshold = 300.0

	// defaultFrameMS is the analysis frame length in milliseconds.
	defaultFrameMS = 30

	// defaultMergeGapMS is the longest pause that still joins two speech
	// runs into one segment.
	defaultMergeGapMS = 300
)

// Option is a functional option for configuring a [Diarizer].
type Option func(*Diarizer)

// WithThreshold sets the per-frame RMS speech threshold. Default: 300.
func WithThreshold(rms float64) Option {
	return func(d *Diarizer) { d.threshold = rms }
}

// WithFrameMS sets the analysis frame length in milliseconds. Default: 30.
func WithFrameMS(ms int) Option {
	return func(d *Diarizer) { d.frameMS = ms }
}

// WithMergeGapMS sets the longest pause that still joins two speech runs
// into one segment. Default: 300.
func WithMergeGapMS(ms int) Option {
	return func(d *Diarizer) { d.mergeGapMS = ms }
}

// Diarizer is the energy-gap diarization engine.
type Diarizer struct {
	threshold  float64
	frameMS    int
	mergeGapMS int

	mu          sync.Mutex
	initialized bool
}

// New returns a [Diarizer] configured with the supplied options. Option
// values are validated by Initialize.
func New(opts ...Option) *Diarizer {
	d := &Diarizer{
		threshold:  defaultThreshold,
		frameMS:    defaultFrameMS,
		mergeGapMS: defaultMergeGapMS,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Kind implements [analyzer.Service].
func (d *Diarizer) Kind() types.Kind { return types.KindDiarization }

// Info implements [analyzer.Service].
func (d *Diarizer) Info() string {
	return fmt.Sprintf("heuristic-diarization (threshold=%.0f gap=%dms)", d.threshold, d.mergeGapMS)
}

// ConcurrentSafe implements [analyzer.Concurrent]. Segmentation is pure
// computation over the input, so parallel Process calls are fine.
func (d *Diarizer) ConcurrentSafe() bool { return true }

// Initialize validates the configuration. There is no model to load.
func (d *Diarizer) Initialize(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if d.threshold <= 0 {
		return fmt.Errorf("heuristic: threshold must be positive, got %f", d.threshold)
	}
	if d.frameMS <= 0 {
		return fmt.Errorf("heuristic: frame length must be positive, got %dms", d.frameMS)
	}
	if d.mergeGapMS < 0 {
		return fmt.Errorf("heuristic: merge gap must not be negative, got %dms", d.mergeGapMS)
	}
	d.initialized = true
	return nil
}

// Process implements [analyzer.Service].
func (d *Diarizer) Process(ctx context.Context, data []byte, sampleRate int) (types.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	ready := d.initialized
	d.mu.Unlock()
	if !ready {
		return nil, errors.New("heuristic: diarizer not initialized")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("heuristic: invalid sample rate %d", sampleRate)
	}
	empty := types.DiarizationPayload{Speakers: []string{}, Segments: []types.SpeakerSegment{}}
	if len(data) < 2 {
		return empty, nil
	}

	frameBytes := sampleRate * d.frameMS / 1000 * 2
	if frameBytes < 2 {
		frameBytes = 2
	}

	// Frame-level speech decisions.
	var speech []bool
	for start := 0; start < len(data); start += frameBytes {
		end := start + frameBytes
		if end > len(data) {
			end = len(data)
		}
		speech = append(speech, audio.RMS(data[start:end]) >= d.threshold)
	}

	// Merge speech runs separated by pauses shorter than the merge gap.
	gapFrames := d.mergeGapMS / d.frameMS
	if gapFrames < 1 {
		gapFrames = 1
	}

	var runs [][2]int // frame ranges, end exclusive
	segStart, lastSpeech := -1, -1
	for i, sp := range speech {
		if !sp {
			continue
		}
		if segStart < 0 {
			segStart = i
		} else if i-lastSpeech > gapFrames {
			runs = append(runs, [2]int{segStart, lastSpeech + 1})
			segStart = i
		}
		lastSpeech = i
	}
	if segStart >= 0 {
		runs = append(runs, [2]int{segStart, lastSpeech + 1})
	}

	if len(runs) == 0 {
		return empty, nil
	}

	frameS := float64(d.frameMS) / 1000
	chunkS := float64(len(data)/2) / float64(sampleRate)

	segments := make([]types.SpeakerSegment, 0, len(runs))
	for _, r := range runs {
		end := float64(r[1]) * frameS
		if end > chunkS {
			end = chunkS
		}
		segments = append(segments, types.SpeakerSegment{
			Speaker: speakerLabel,
			StartS:  float64(r[0]) * frameS,
			EndS:    end,
		})
	}

	return types.DiarizationPayload{
		Speakers: []string{speakerLabel},
		Segments: segments,
	}, nil
}

// Cleanup implements [analyzer.Service].
func (d *Diarizer) Cleanup(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

var (
	_ analyzer.Service    = (*Diarizer)(nil)
	_ analyzer.Concurrent = (*Diarizer)(nil)
)
