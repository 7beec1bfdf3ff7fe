// Package types defines the shared types used across all Phonoxa packages.
//
// These types form the lingua franca between the event bus, the analyzer
// workers, the aggregator, and the websocket gateway. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "fmt"

// Kind identifies one of the analysis stages a chunk passes through.
type Kind string

const (
	// KindVAD is voice activity detection.
	KindVAD Kind = "vad"

	// KindASR is automatic speech recognition.
	KindASR Kind = "asr"

	// KindDiarization is speaker diarization.
	KindDiarization Kind = "diarization"
)

// IsValid reports whether k is a known analysis kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindVAD, KindASR, KindDiarization:
		return true
	}
	return false
}

// DoneTopic returns the bus topic a result of this kind is published on.
func (k Kind) DoneTopic() string {
	switch k {
	case KindVAD:
		return TopicVADDone
	case KindASR:
		return TopicASRDone
	case KindDiarization:
		return TopicDiaDone
	}
	return ""
}

// Kinds returns all analysis kinds in a fresh slice.
func Kinds() []Kind {
	return []Kind{KindVAD, KindASR, KindDiarization}
}

// Bus topics. Chunks flow in on TopicChunkIn, per-kind results flow out on
// the *Done topics, and the aggregator publishes the merged view on
// TopicChunkDone. TopicSpeechPresent only carries traffic in gated routing
// mode.
const (
	TopicChunkIn       = "chunk_in"
	TopicSpeechPresent = "speech_present"
	TopicVADDone       = "vad_done"
	TopicASRDone       = "asr_done"
	TopicDiaDone       = "dia_done"
	TopicChunkDone     = "chunk_done"
)

// Correlation builds the correlation ID for a chunk, "{session_id}:{chunk_id}".
func Correlation(sessionID string, chunkID uint64) string {
	return fmt.Sprintf("%s:%d", sessionID, chunkID)
}

// Chunk is the payload published on TopicChunkIn: one client audio chunk
// entering the pipeline.
type Chunk struct {
	// SessionID of the websocket session that sent the chunk.
	SessionID string

	// ChunkID is the per-session sequence number, allocated from 0 with no gaps.
	ChunkID uint64

	// Data is the raw PCM audio. Never mutated after publication.
	Data []byte

	// SampleRate in Hz (default 16000).
	SampleRate int

	// Channels: 1 for mono. Analyzers only ever see mono in practice.
	Channels int
}

// SpeechChunk is the payload published on TopicSpeechPresent by the VAD
// worker when a chunk turned out to contain speech. ASR and diarization
// workers subscribe to it instead of TopicChunkIn in gated routing mode.
type SpeechChunk struct {
	SessionID     string
	ChunkID       uint64
	Data          []byte
	SampleRate    int
	VADConfidence float64
}

// Payload is the kind-specific body of an analyzer result. The three
// implementations are [VADPayload], [ASRPayload] and [DiarizationPayload].
type Payload interface {
	// Kind reports which analysis stage produced this payload.
	Kind() Kind
}

// VADPayload is the voice activity detection result body.
type VADPayload struct {
	// IsSpeech reports whether the chunk contains speech.
	IsSpeech bool `json:"is_speech"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Segments are [start, end] pairs in seconds relative to the chunk.
	Segments [][2]float64 `json:"segments"`

	// Error is set when the analysis failed and the rest of the payload
	// holds safe defaults.
	Error string `json:"error,omitempty"`
}

// Kind implements [Payload].
func (VADPayload) Kind() Kind { return KindVAD }

// ASRSegment is one timed piece of recognized text.
type ASRSegment struct {
	StartS     float64 `json:"start_s"`
	EndS       float64 `json:"end_s"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ASRPayload is the speech recognition result body.
type ASRPayload struct {
	// Text is the full transcription of the chunk.
	Text string `json:"text"`

	// Confidence in [0, 1], averaged over segments when the engine reports
	// per-segment scores.
	Confidence float64 `json:"confidence"`

	// Segments are the timed pieces of the transcription.
	Segments []ASRSegment `json:"segments"`

	// Language is the detected or configured language code.
	Language string `json:"language"`

	// Error is set when the analysis failed.
	Error string `json:"error,omitempty"`
}

// Kind implements [Payload].
func (ASRPayload) Kind() Kind { return KindASR }

// SpeakerSegment attributes a time range of the chunk to one speaker.
type SpeakerSegment struct {
	Speaker string  `json:"speaker"`
	StartS  float64 `json:"start_s"`
	EndS    float64 `json:"end_s"`
}

// DiarizationPayload is the speaker diarization result body.
type DiarizationPayload struct {
	// Speakers are the distinct speaker labels found in the chunk.
	Speakers []string `json:"speakers"`

	// Segments attribute time ranges to speakers.
	Segments []SpeakerSegment `json:"segments"`

	// Error is set when the analysis failed.
	Error string `json:"error,omitempty"`
}

// Kind implements [Payload].
func (DiarizationPayload) Kind() Kind { return KindDiarization }

// ErrorPayload returns a payload of the given kind populated with safe
// defaults (empty text, empty segment lists, zero confidence) and the error
// message. Workers publish these for failed or timed-out analyses so that
// downstream consumers always see the kind's full shape.
func ErrorPayload(kind Kind, msg string) Payload {
	switch kind {
	case KindVAD:
		return VADPayload{Segments: [][2]float64{}, Error: msg}
	case KindASR:
		return ASRPayload{Segments: []ASRSegment{}, Error: msg}
	case KindDiarization:
		return DiarizationPayload{Speakers: []string{}, Segments: []SpeakerSegment{}, Error: msg}
	}
	return nil
}

// AnalyzerResult is the payload published on the per-kind *Done topics:
// the outcome of running one analyzer over one chunk.
type AnalyzerResult struct {
	SessionID string
	ChunkID   uint64

	// Kind of analysis that produced this result.
	Kind Kind

	// Payload is the kind-specific body. Never nil: failures carry safe
	// defaults via [ErrorPayload].
	Payload Payload

	// ProcessingMS is the wall-clock analyzer time in milliseconds. For
	// timeouts it reflects the configured deadline.
	ProcessingMS float64

	// OK reports whether the analysis succeeded.
	OK bool

	// Error holds the failure message when OK is false.
	Error string
}

// AggregatedResult is the payload published on TopicChunkDone and the body
// of the "result" message sent back to the client. Exactly one is produced
// per chunk admitted into the pipeline.
type AggregatedResult struct {
	SessionID string `json:"session_id"`
	ChunkID   uint64 `json:"chunk_id"`

	// AggregationMS is the time from the first result arriving to the
	// aggregation closing, in milliseconds.
	AggregationMS float64 `json:"aggregation_ms"`

	// Completed lists the kinds that delivered a result, sorted by name.
	Completed []Kind `json:"completed"`

	// Missing lists the expected kinds that never delivered, sorted by name.
	Missing []Kind `json:"missing"`

	// IsComplete is true when Missing is empty.
	IsComplete bool `json:"is_complete"`

	// IsTimeout is true when the aggregation closed because its deadline
	// expired rather than because all results arrived.
	IsTimeout bool `json:"is_timeout"`

	// Results maps each completed kind to its payload. Failed analyses
	// appear with safe defaults and a non-empty "error" field.
	Results map[Kind]Payload `json:"results"`
}
