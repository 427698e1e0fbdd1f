package latentcontext

import (
	"strings"
	"testing"
	"time"
)

func TestJaccardIdenticalTextsIsOne(t *testing.T) {
	if got := jaccard("the quick brown fox", "the quick brown fox"); got != 1.0 {
		t.Errorf("jaccard(identical) = %v, want 1.0", got)
	}
}

func TestJaccardDisjointTextsIsZero(t *testing.T) {
	if got := jaccard("alpha beta gamma", "delta epsilon zeta"); got != 0 {
		t.Errorf("jaccard(disjoint) = %v, want 0", got)
	}
}

func TestDedupCandidatesIsIdempotent(t *testing.T) {
	candidates := []candidate{
		{ID: "a", Text: "the user likes dark roast coffee very much", score: 0.9, TokenCount: 5},
		{ID: "b", Text: "the user likes dark roast coffee quite a lot", score: 0.5, TokenCount: 5},
		{ID: "c", Text: "completely unrelated information about weather patterns", score: 0.7, TokenCount: 5},
	}

	once := dedupCandidates(candidates, 0.85)
	twice := dedupCandidates(once, 0.85)

	if len(once) != len(twice) {
		t.Fatalf("dedup is not idempotent: len(once)=%d len(twice)=%d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Errorf("dedup output changed on second pass at index %d: %q vs %q", i, once[i].ID, twice[i].ID)
		}
	}
}

func TestDedupCandidatesKeepsHigherScoredOfNearDuplicates(t *testing.T) {
	candidates := []candidate{
		{ID: "low", Text: "alice lives in paris right now", score: 0.3},
		{ID: "high", Text: "alice lives in paris right now today", score: 0.9},
	}
	kept := dedupCandidates(candidates, 0.5)
	if len(kept) != 1 {
		t.Fatalf("len(kept) = %d, want 1", len(kept))
	}
	if kept[0].ID != "high" {
		t.Errorf("kept ID = %q, want the higher-scored candidate", kept[0].ID)
	}
}

func TestFormatFooterUsesEightCharSessionPrefix(t *testing.T) {
	footer := formatFooter("0123456789abcdef", map[string]int{"working": 2}, []string{"working"}, 10, 100)
	if !strings.HasPrefix(footer, "--- Session: 01234567 |") {
		t.Errorf("footer = %q, want an 8-char session prefix", footer)
	}
	if !strings.Contains(footer, "Tokens: 10/100") {
		t.Errorf("footer missing token accounting: %q", footer)
	}
}

func TestFormatFooterUsesNoneWhenNoSession(t *testing.T) {
	footer := formatFooter("", map[string]int{}, []string{}, 0, 100)
	if !strings.Contains(footer, "Session: none") {
		t.Errorf("footer = %q, want Session: none", footer)
	}
}

func TestExtractEntityMentionsFindsCapitalizedSequencesAndQuoted(t *testing.T) {
	mentions := extractEntityMentions(`Does Alice Johnson know about "Project Falcon"?`)
	found := map[string]bool{}
	for _, m := range mentions {
		found[m] = true
	}
	// The capitalized run starts at the sentence's first word, so the
	// mention includes "Does".
	if !found["Does Alice Johnson"] {
		t.Errorf("expected to find 'Does Alice Johnson' in %v", mentions)
	}
	if !found["Project Falcon"] {
		t.Errorf("expected to find quoted 'Project Falcon' in %v", mentions)
	}
}

func TestExtractEntityMentionsExcludesStopwords(t *testing.T) {
	mentions := extractEntityMentions("Where is the meeting?")
	for _, m := range mentions {
		if strings.EqualFold(m, "where") {
			t.Errorf("expected stopword 'Where' to be excluded, got %v", mentions)
		}
	}
}

func TestExtractEntityMentionsCapsAtFive(t *testing.T) {
	mentions := extractEntityMentions("Alpha Beta Gamma Delta Epsilon Zeta Eta")
	if len(mentions) > 5 {
		t.Errorf("len(mentions) = %d, want <= 5", len(mentions))
	}
}

func TestRecencyOfIsOneForNow(t *testing.T) {
	// A timestamp right now should decay to ~1.0 (no age).
	r := recencyOf(time.Now())
	if r < 0.99 {
		t.Errorf("recencyOf(now) = %v, want ~1.0", r)
	}
}
