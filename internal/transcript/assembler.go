// Package transcript assembles per-session running transcripts from
// completed chunk results and flags configured keywords in them.
//
// The [Assembler] subscribes to the chunk_done topic and extracts the
// recognized text from each aggregated result. Chunks can complete out of
// order — a chunk whose recognition ran long finishes after its successor —
// so segments are kept sorted by chunk ID and the assembled text always
// reads in capture order.
//
// Keyword spotting ([Spotter]) tolerates recognition errors with a
// two-stage match:
//
//  1. Phonetic filtering: Double Metaphone codes select keywords that sound
//     like the spoken words, catching mishearings such as "granade" for
//     "grenade".
//
//  2. Jaro-Winkler ranking: phonetic candidates are ranked by string
//     similarity and accepted above a configurable threshold (default
//     0.70). When nothing sounds alike, a stricter pure-similarity fallback
//     (default 0.85) still catches near-exact spellings.
//
// Both stages run in-process with no network calls.
//
// Transcripts are held in memory and pruned after a retention window with
// no new chunks, so a client disconnect does not immediately discard the
// session's text.
package transcript

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/pkg/types"
)

const (
	defaultRetention     = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// Bus is the subset of [bus.Bus] the assembler needs.
type Bus interface {
	Subscribe(topic string, h bus.Handler)
	Unsubscribe(topic string, h bus.Handler)
}

// AssemblerConfig configures an [Assembler].
type AssemblerConfig struct {
	// Bus to subscribe on. Required.
	Bus Bus

	// Spotter flags keywords in recognized text. Optional; nil disables
	// keyword spotting.
	Spotter *Spotter

	// Retention is how long a session's transcript is kept after its last
	// chunk. Default 10m.
	Retention time.Duration

	// SweepInterval is how often idle transcripts are pruned. Default 1m.
	SweepInterval time.Duration

	// Metrics optionally receives the keyword-hit counter. Nil disables
	// recording.
	Metrics *observe.Metrics
}

// segment is one chunk's recognized text.
type segment struct {
	chunkID uint64
	text    string
}

// sessionTranscript accumulates one session's segments and keyword hits.
type sessionTranscript struct {
	segments []segment // sorted by chunkID
	hits     []Hit
	updated  time.Time
}

// Transcript is a point-in-time view of one session's assembled text.
type Transcript struct {
	SessionID string `json:"session_id"`

	// Text is the recognized text of all chunks so far, in chunk order,
	// joined with single spaces.
	Text string `json:"text"`

	// Chunks is the number of chunks that contributed text.
	Chunks int `json:"chunks"`

	// Hits are the keyword hits recorded so far, in arrival order. Empty
	// (non-nil) when no keywords matched.
	Hits []Hit `json:"hits"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AssemblerStats is a point-in-time snapshot of assembler counters.
type AssemblerStats struct {
	// Sessions currently holding a transcript.
	Sessions int `json:"sessions"`

	// ChunksSeen counts chunk_done events observed, with or without text.
	ChunksSeen uint64 `json:"chunks_seen"`

	// KeywordHits counts hits recorded across all sessions since start.
	KeywordHits uint64 `json:"keyword_hits"`

	// Swept counts idle transcripts pruned since start.
	Swept uint64 `json:"swept"`
}

// Assembler builds per-session transcripts from aggregated chunk results.
type Assembler struct {
	bus           Bus
	spotter       atomic.Pointer[Spotter]
	metrics       *observe.Metrics
	retention     time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionTranscript

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	chunksSeen atomic.Uint64
	hitsTotal  atomic.Uint64
	swept      atomic.Uint64
}

var _ bus.Handler = (*Assembler)(nil)

// NewAssembler returns an [Assembler] with the given configuration.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	a := &Assembler{
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		retention:     cfg.Retention,
		sweepInterval: cfg.SweepInterval,
		sessions:      make(map[string]*sessionTranscript),
		done:          make(chan struct{}),
	}
	a.spotter.Store(cfg.Spotter)
	return a
}

// SetSpotter replaces the keyword spotter for all future chunks. Nil
// disables spotting. Hits already recorded are kept. Safe to call while the
// assembler is running; each Spotter is immutable, so swapping the whole
// instance needs no lock.
func (a *Assembler) SetSpotter(s *Spotter) {
	a.spotter.Store(s)
	keywords := 0
	if s != nil {
		keywords = len(s.Keywords())
	}
	slog.Info("keyword spotter replaced", "keywords", keywords)
}

// Start subscribes to completed chunks and launches the retention janitor.
func (a *Assembler) Start(ctx context.Context) {
	a.bus.Subscribe(types.TopicChunkDone, a)
	a.wg.Add(1)
	go a.janitor(ctx)

	keywords := 0
	if sp := a.spotter.Load(); sp != nil {
		keywords = len(sp.Keywords())
	}
	slog.Info("transcript assembler started",
		"retention", a.retention,
		"keywords", keywords)
}

// Stop unsubscribes and stops the janitor. Held transcripts stay readable
// until the process exits. Idempotent.
func (a *Assembler) Stop() {
	a.stopOnce.Do(func() {
		a.bus.Unsubscribe(types.TopicChunkDone, a)
		close(a.done)
	})
	a.wg.Wait()
}

// HandleEvent consumes one chunk_done event. Results without recognized
// text (no recognition ran, it failed, or the chunk was silent) only count
// toward ChunksSeen.
func (a *Assembler) HandleEvent(ev bus.Event) {
	res, ok := ev.Payload.(types.AggregatedResult)
	if !ok {
		return
	}
	a.chunksSeen.Add(1)

	text := recognizedText(res)
	if text == "" {
		return
	}

	// Spot outside the lock; the spotter instance is read-only.
	var hits []Hit
	if sp := a.spotter.Load(); sp != nil {
		hits = sp.Scan(text)
		for i := range hits {
			hits[i].ChunkID = res.ChunkID
		}
	}

	a.mu.Lock()
	st := a.sessions[res.SessionID]
	if st == nil {
		st = &sessionTranscript{}
		a.sessions[res.SessionID] = st
	}
	st.insert(segment{chunkID: res.ChunkID, text: text})
	st.hits = append(st.hits, hits...)
	st.updated = time.Now()
	a.mu.Unlock()

	if len(hits) > 0 {
		a.hitsTotal.Add(uint64(len(hits)))
		if a.metrics != nil {
			for _, hit := range hits {
				a.metrics.RecordKeywordHit(context.Background(), hit.Keyword)
			}
		}
		slog.Debug("keywords spotted",
			"session_id", res.SessionID,
			"chunk_id", res.ChunkID,
			"hits", len(hits))
	}
}

// insert places seg in chunk-ID order. A duplicate chunk ID replaces the
// earlier segment.
func (st *sessionTranscript) insert(seg segment) {
	i := sort.Search(len(st.segments), func(i int) bool {
		return st.segments[i].chunkID >= seg.chunkID
	})
	if i < len(st.segments) && st.segments[i].chunkID == seg.chunkID {
		st.segments[i] = seg
		return
	}
	st.segments = slices.Insert(st.segments, i, seg)
}

// Transcript returns the assembled transcript for sessionID. The second
// return is false when the session has produced no text or was pruned.
func (a *Assembler) Transcript(sessionID string) (Transcript, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[sessionID]
	if !ok {
		return Transcript{}, false
	}

	parts := make([]string, len(st.segments))
	for i, seg := range st.segments {
		parts[i] = seg.text
	}
	hits := make([]Hit, len(st.hits))
	copy(hits, st.hits)

	return Transcript{
		SessionID: sessionID,
		Text:      strings.Join(parts, " "),
		Chunks:    len(st.segments),
		Hits:      hits,
		UpdatedAt: st.updated,
	}, true
}

// Sessions returns the IDs of sessions currently holding a transcript.
func (a *Assembler) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns a snapshot of assembler counters.
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	n := len(a.sessions)
	a.mu.Unlock()

	return AssemblerStats{
		Sessions:    n,
		ChunksSeen:  a.chunksSeen.Load(),
		KeywordHits: a.hitsTotal.Load(),
		Swept:       a.swept.Load(),
	}
}

func (a *Assembler) janitor(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.sweep(time.Now())
		}
	}
}

// sweep prunes transcripts idle for at least the retention window and
// returns how many were removed.
func (a *Assembler) sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, st := range a.sessions {
		if now.Sub(st.updated) >= a.retention {
			delete(a.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		a.swept.Add(uint64(removed))
		slog.Debug("idle transcripts pruned", "count", removed)
	}
	return removed
}

// recognizedText extracts usable recognized text from an aggregated result.
// Returns "" when recognition is absent, failed, or produced only
// whitespace.
func recognizedText(res types.AggregatedResult) string {
	p, ok := res.Results[types.KindASR]
	if !ok {
		return ""
	}
	asr, ok := p.(types.ASRPayload)
	if !ok || asr.Error != "" {
		return ""
	}
	return strings.TrimSpace(asr.Text)
}
