package latentcontext_test

import (
	"context"
	"strings"
	"testing"

	lc "github.com/framehood/latentcontext"
)

func newTestEngine(t *testing.T, configure func(*lc.Config)) *lc.Engine {
	t.Helper()
	cfg := lc.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Embedding.Provider = lc.ProviderNone
	cfg.Session.AutoStartOnBoot = false
	if configure != nil {
		configure(&cfg)
	}
	e, err := lc.NewEngine(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// S1: session reset clears working memory visibility under strict mode.
func TestScenarioSessionReset(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.SessionStart(ctx)
	if err != nil {
		t.Fatalf("SessionStart: %v", err)
	}

	if _, _, err := e.MemoryStore("I am testing the alpha build of the memory engine today.", lc.KindEvent, 1.0, nil); err != nil {
		t.Fatalf("MemoryStore: %v", err)
	}

	second, err := e.SessionStart(ctx)
	if err != nil {
		t.Fatalf("SessionStart: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected a new session id")
	}

	result, err := e.MemoryRetrieve("alpha build", 0, lc.RetrieveFilter{})
	if err != nil {
		t.Fatalf("MemoryRetrieve: %v", err)
	}
	if result.CandidatesSelected != 0 {
		t.Errorf("CandidatesSelected = %d, want 0 after session reset", result.CandidatesSelected)
	}
}

// S2: fact graph storage and serialization.
func TestScenarioFactGraph(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SessionStart(context.Background())

	res, _, err := e.MemoryStore("User lives in Paris, in a small apartment near the river.", lc.KindFact, 1.0, []string{"User", "Paris"})
	if err != nil {
		t.Fatalf("MemoryStore: %v", err)
	}
	if res.FactsStored != 1 {
		t.Errorf("FactsStored = %d, want 1", res.FactsStored)
	}

	text, err := e.GraphQuery("User", "", 1)
	if err != nil {
		t.Fatalf("GraphQuery: %v", err)
	}
	if !strings.Contains(text, "Entity: User (unknown)") || !strings.Contains(text, "→ located_in → Paris") {
		t.Errorf("GraphQuery text = %q, want the located_in edge with no conf tag", text)
	}
	if strings.Contains(text, "conf:") {
		t.Errorf("expected no confidence tag at full confidence: %q", text)
	}
}

// S3: supersession of a contradicting fact.
func TestScenarioSupersession(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SessionStart(context.Background())

	e.MemoryStore("User lives in Paris, in a small apartment near the river.", lc.KindFact, 1.0, []string{"User", "Paris"})
	e.MemoryStore("User now lives in London after moving there for a new job.", lc.KindFact, 1.0, []string{"User", "London"})

	text, err := e.GraphQuery("User", "", 1)
	if err != nil {
		t.Fatalf("GraphQuery: %v", err)
	}
	if strings.Contains(text, "Paris") {
		t.Errorf("expected superseded Paris edge to be absent from active query: %q", text)
	}
	if !strings.Contains(text, "London") {
		t.Errorf("expected active London edge: %q", text)
	}
}

// S6: validation rejects short content.
func TestScenarioValidationRejectsShortContent(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SessionStart(context.Background())

	_, _, err := e.MemoryStore("too short", lc.KindEvent, 1.0, nil)
	if err == nil {
		t.Fatalf("expected an error for too-short content")
	}
	if !strings.Contains(err.Error(), "REJECTED") || !strings.Contains(err.Error(), "too short") {
		t.Errorf("error = %q, want it to mention REJECTED and the rejected text", err.Error())
	}

	status, _ := e.MemoryStatus()
	if status.Tiers[0].Count != 0 {
		t.Errorf("expected no row created for rejected content")
	}
}

// Property 5: retrieve never exceeds the requested budget.
func TestPropertyTokenBudgetRespected(t *testing.T) {
	e := newTestEngine(t, func(cfg *lc.Config) { cfg.Session.Mode = lc.ModeCrossSession })
	e.SessionStart(context.Background())

	for i := 0; i < 10; i++ {
		e.MemoryStore("this is a reasonably long fact about the test subject number here", lc.KindFact, 1.0, nil)
	}

	result, err := e.MemoryRetrieve("test subject", 50, lc.RetrieveFilter{})
	if err != nil {
		t.Fatalf("MemoryRetrieve: %v", err)
	}
	if result.TotalTokens > 50 {
		t.Errorf("TotalTokens = %d, want <= 50", result.TotalTokens)
	}
}

// Property 10: forget(delete) purges vectors.
func TestPropertyForgetDeletePurgesVectors(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SessionStart(context.Background())

	res, _, err := e.MemoryStore("this is a core memory fact used to test forgetting behavior", lc.KindCore, 1.0, nil)
	if err != nil {
		t.Fatalf("MemoryStore: %v", err)
	}

	before, _ := e.MemoryStatus()
	if before.VectorCount == 0 {
		t.Fatalf("expected a vector to have been indexed")
	}

	if _, err := e.MemoryForget(res.MemoryID, lc.ActionDelete, ""); err != nil {
		t.Fatalf("MemoryForget: %v", err)
	}

	after, _ := e.MemoryStatus()
	if after.VectorCount != 0 {
		t.Errorf("VectorCount = %d after delete, want 0", after.VectorCount)
	}
}

// Property 4 (operational sanity): at most one active relation survives
// per (subject, predicate) pair across repeated contradicting writes.
func TestPropertyActiveRelationUniquenessAcrossManyWrites(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SessionStart(context.Background())

	cities := []string{"Paris", "London", "Berlin", "Madrid", "Rome"}
	for _, city := range cities {
		if _, _, err := e.MemoryStore("User now lives in "+city+" after moving there for a new job.", lc.KindFact, 1.0, []string{"User", city}); err != nil {
			t.Fatalf("MemoryStore: %v", err)
		}
	}

	text, err := e.GraphQuery("User", "", 1)
	if err != nil {
		t.Fatalf("GraphQuery: %v", err)
	}
	active := 0
	for _, city := range cities {
		if strings.Contains(text, city) {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active city edge, found %d in %q", active, text)
	}
}
