package transcript_test

import (
	"testing"

	"github.com/MrWong99/phonoxa/internal/transcript"
)

func TestSpotter_ExactKeyword(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade", "man down"})

	hits := s.Scan("grenade spotted near the wall")
	if len(hits) != 1 {
		t.Fatalf("Scan: got %d hits, want 1: %+v", len(hits), hits)
	}
	if hits[0].Keyword != "grenade" {
		t.Errorf("Keyword = %q, want %q", hits[0].Keyword, "grenade")
	}
	if hits[0].Matched != "grenade" {
		t.Errorf("Matched = %q, want %q", hits[0].Matched, "grenade")
	}
	if hits[0].Confidence != 1.0 {
		t.Errorf("Confidence = %f, want 1.0 for an exact occurrence", hits[0].Confidence)
	}
}

func TestSpotter_PhoneticMishearing(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade"})

	// "granade" shares the consonant skeleton of "grenade", so Double
	// Metaphone produces the same code and the phonetic stage accepts it.
	hits := s.Scan("granade out")
	if len(hits) != 1 {
		t.Fatalf("Scan(%q): got %d hits, want 1: %+v", "granade out", len(hits), hits)
	}
	if hits[0].Keyword != "grenade" {
		t.Errorf("Keyword = %q, want %q", hits[0].Keyword, "grenade")
	}
	if hits[0].Matched != "granade" {
		t.Errorf("Matched = %q, want %q", hits[0].Matched, "granade")
	}
	if !hits[0].Phonetic {
		t.Error("Phonetic = false, want true for a sound-alike match")
	}
	if hits[0].Confidence < 0.7 {
		t.Errorf("Confidence = %f, want >= 0.7", hits[0].Confidence)
	}
}

func TestSpotter_MultiWordKeyword(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"man down"})

	hits := s.Scan("man down near the wall")
	if len(hits) != 1 {
		t.Fatalf("Scan: got %d hits, want 1: %+v", len(hits), hits)
	}
	if hits[0].Keyword != "man down" {
		t.Errorf("Keyword = %q, want %q", hits[0].Keyword, "man down")
	}
	if hits[0].Matched != "man down" {
		t.Errorf("Matched = %q, want %q", hits[0].Matched, "man down")
	}
}

func TestSpotter_ConsumesMatchedWindow(t *testing.T) {
	t.Parallel()

	// "man down" must win over its own second word: the two-word window is
	// tried first and a match consumes both words.
	s := transcript.NewSpotter([]string{"man down", "down"})

	hits := s.Scan("man down")
	if len(hits) != 1 {
		t.Fatalf("Scan: got %d hits, want 1: %+v", len(hits), hits)
	}
	if hits[0].Keyword != "man down" {
		t.Errorf("Keyword = %q, want %q", hits[0].Keyword, "man down")
	}
}

func TestSpotter_RepeatedKeyword(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade"})

	hits := s.Scan("grenade grenade")
	if len(hits) != 2 {
		t.Fatalf("Scan: got %d hits, want 2: %+v", len(hits), hits)
	}
}

func TestSpotter_NoMatch(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade", "man down"})

	if hits := s.Scan("hello world"); hits != nil {
		t.Fatalf("Scan(%q): got %+v, want nil", "hello world", hits)
	}
}

func TestSpotter_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade"})

	hits := s.Scan("GRENADE out")
	if len(hits) != 1 {
		t.Fatalf("Scan: got %d hits, want 1: %+v", len(hits), hits)
	}
	// Keyword keeps the configured casing, Matched keeps the spoken casing.
	if hits[0].Keyword != "grenade" {
		t.Errorf("Keyword = %q, want %q", hits[0].Keyword, "grenade")
	}
	if hits[0].Matched != "GRENADE" {
		t.Errorf("Matched = %q, want %q", hits[0].Matched, "GRENADE")
	}
}

func TestSpotter_DropsBlankAndDuplicateKeywords(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{" grenade ", "GRENADE", "", "man down"})

	got := s.Keywords()
	want := []string{"grenade", "man down"}
	if len(got) != len(want) {
		t.Fatalf("Keywords() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keywords() = %v, want %v", got, want)
		}
	}
}

func TestSpotter_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	// With both thresholds at 0.99 only verbatim occurrences survive.
	s := transcript.NewSpotter([]string{"grenade"},
		transcript.WithPhoneticThreshold(0.99),
		transcript.WithFuzzyThreshold(0.99),
	)

	if hits := s.Scan("granade out"); hits != nil {
		t.Fatalf("Scan with threshold=0.99 should reject near-matches, got %+v", hits)
	}
	if hits := s.Scan("grenade out"); len(hits) != 1 {
		t.Fatalf("Scan: exact occurrence should still match, got %+v", hits)
	}
}

func TestSpotter_EmptyInput(t *testing.T) {
	t.Parallel()

	s := transcript.NewSpotter([]string{"grenade"})
	if hits := s.Scan(""); hits != nil {
		t.Errorf("Scan(\"\") = %+v, want nil", hits)
	}
	if hits := s.Scan("   "); hits != nil {
		t.Errorf("Scan(whitespace) = %+v, want nil", hits)
	}

	none := transcript.NewSpotter(nil)
	if hits := none.Scan("grenade"); hits != nil {
		t.Errorf("Scan with no keywords = %+v, want nil", hits)
	}
}
