package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Hit records one keyword found in recognized text.
type Hit struct {
	// Keyword is the configured keyword that matched, in its original casing.
	Keyword string `json:"keyword"`

	// Matched is the text span as it appeared in the recognized output.
	Matched string `json:"matched"`

	// ChunkID is the chunk whose text contained the span. [Spotter.Scan]
	// leaves it zero; the [Assembler] stamps it when recording the hit.
	ChunkID uint64 `json:"chunk_id"`

	// Confidence is the Jaro-Winkler similarity of the span to the keyword,
	// in [0.0, 1.0]. Exact occurrences score 1.0.
	Confidence float64 `json:"confidence"`

	// Phonetic is true when the match was accepted through the phonetic
	// stage rather than the pure string-similarity fallback.
	Phonetic bool `json:"phonetic"`
}

// SpotterOption is a functional option for configuring a [Spotter].
type SpotterOption func(*Spotter)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) SpotterOption {
	return func(s *Spotter) {
		s.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// keyword sounds like the span and the spotter falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) SpotterOption {
	return func(s *Spotter) {
		s.fuzzyThreshold = threshold
	}
}

// keyword is one configured keyword with its matching data precomputed at
// construction, so Scan never recomputes phonetic codes for the fixed list.
type keyword struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Spotter finds configured keywords in recognized text. Matching is
// two-stage: Double Metaphone codes select keywords that sound like the
// spoken words, then Jaro-Winkler similarity ranks them. When nothing
// sounds alike, a stricter pure-similarity fallback still catches
// near-exact spellings.
//
// Multi-word keywords (e.g., "man down") are matched against word windows
// of the same length, longest window first, and a matched window is
// consumed so it cannot produce overlapping hits.
//
// All methods are safe for concurrent use — the Spotter is read-only after
// construction.
type Spotter struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	keywords []string
	byLen    map[int][]keyword
	maxWords int
}

// NewSpotter returns a [Spotter] for the given keywords. Blank and
// duplicate entries (case-insensitive) are dropped. Default thresholds are
// 0.70 for phonetic matches and 0.85 for fuzzy fallback matches.
func NewSpotter(keywords []string, opts ...SpotterOption) *Spotter {
	s := &Spotter{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		byLen:             make(map[int][]keyword),
	}
	for _, o := range opts {
		o(s)
	}

	seen := make(map[string]struct{}, len(keywords))
	for _, raw := range keywords {
		text := strings.TrimSpace(raw)
		lower := strings.ToLower(text)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		kw := keyword{
			text:   text,
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		}
		s.keywords = append(s.keywords, text)
		s.byLen[len(tokens)] = append(s.byLen[len(tokens)], kw)
		if len(tokens) > s.maxWords {
			s.maxWords = len(tokens)
		}
	}
	return s
}

// Keywords returns the configured keyword list in a fresh slice.
func (s *Spotter) Keywords() []string {
	out := make([]string, len(s.keywords))
	copy(out, s.keywords)
	return out
}

// Scan finds keyword occurrences in text and returns them in text order.
// The returned hits have ChunkID zero. Returns nil when text contains no
// keywords or the spotter has none configured.
func (s *Spotter) Scan(text string) []Hit {
	if s.maxWords == 0 {
		return nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var hits []Hit
	i := 0
	for i < len(words) {
		advance := 1
		// Try the longest window first so multi-word keywords win over
		// their individual words.
		for n := min(s.maxWords, len(words)-i); n >= 1; n-- {
			candidates := s.byLen[n]
			if len(candidates) == 0 {
				continue
			}
			span := strings.Join(words[i:i+n], " ")
			kw, score, phonetic, ok := s.matchSpan(span, candidates)
			if !ok {
				continue
			}
			hits = append(hits, Hit{
				Keyword:    kw,
				Matched:    span,
				Confidence: score,
				Phonetic:   phonetic,
			})
			advance = n
			break
		}
		i += advance
	}
	return hits
}

// matchSpan ranks candidates against one word window and returns the best
// acceptable keyword. Phonetic candidates are preferred over fuzzy ones
// regardless of score; within a stage the higher Jaro-Winkler score wins.
func (s *Spotter) matchSpan(span string, candidates []keyword) (kw string, score float64, phonetic bool, ok bool) {
	spanLower := strings.ToLower(span)
	spanTokens := strings.Fields(spanLower)
	spanCodes := codesForTokens(spanTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, c := range candidates {
		phoneticMatch := codesOverlap(spanCodes, c.codes)
		jwScore := bestJWScore(spanTokens, c.tokens, spanLower, c.lower)

		if phoneticMatch {
			if jwScore >= s.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{keyword: c.text, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= s.fuzzyThreshold && jwScore > best.score {
				best = candidate{keyword: c.text, score: jwScore, phonetic: false}
			}
		}
	}

	if best.keyword == "" {
		return "", 0, false, false
	}
	return best.keyword, best.score, best.phonetic, true
}

// codesForTokens returns the set of Double Metaphone codes covering the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore returns the highest Jaro-Winkler similarity between the span
// and a keyword across three comparison strategies: the full strings, the
// concatenated tokens (recovers words the recognizer split or merged), and
// the best pairwise token score.
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(spanTokens, keywordTokens []string, spanFull, keywordFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(spanFull, keywordFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(spanTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(spanTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	for _, st := range spanTokens {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(st, kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
