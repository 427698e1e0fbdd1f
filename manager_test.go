package latentcontext

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*memoryManager, *durableStore, *sessionRegistry) {
	t.Helper()
	s := newTestStore(t)
	emb := newEmbedder(EmbeddingConfig{Provider: ProviderNone, Dimensions: 4}, zap.NewNop().Sugar())
	vectors := newVectorStore(s, emb, zap.NewNop().Sugar())
	graph := newKnowledgeGraph(s, zap.NewNop().Sugar())
	tokens := newTokenAccountant()
	sessions := newSessionRegistry(s, zap.NewNop().Sugar())
	cfg := DefaultConfig()
	m := newMemoryManager(s, vectors, graph, tokens, sessions, cfg, zap.NewNop().Sugar())
	return m, s, sessions
}

func TestStoreCoreGoesToTierThreeWithoutGraphSideEffect(t *testing.T) {
	m, store, _ := newTestManager(t)
	res, err := m.store("the user's name is permanently recorded as core fact one", KindCore, 1.0, []string{"Alice"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Tier != 3 {
		t.Errorf("Tier = %d, want 3", res.Tier)
	}
	if res.FactsStored != 0 {
		t.Errorf("FactsStored = %d, want 0 for core", res.FactsStored)
	}
	if store.countEntities() != 0 {
		t.Errorf("expected no entities created for a core store")
	}
}

func TestStoreFactWithTwoEntitiesCreatesRelation(t *testing.T) {
	m, store, _ := newTestManager(t)
	res, err := m.store("Alice lives in Paris according to her profile update", KindFact, 1.0, []string{"Alice", "Paris"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Tier != 1 {
		t.Errorf("Tier = %d, want 1", res.Tier)
	}
	if res.FactsStored != 1 {
		t.Errorf("FactsStored = %d, want 1", res.FactsStored)
	}
	if store.countActiveRelations() != 1 {
		t.Errorf("countActiveRelations() = %d, want 1", store.countActiveRelations())
	}
}

func TestStorePreferenceLinksToUserEntity(t *testing.T) {
	m, store, _ := newTestManager(t)
	_, err := m.store("the user strongly prefers dark roast coffee over light roast", KindPreference, 1.0, []string{"dark roast coffee"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok := store.findEntityByLabel("User"); !ok {
		t.Errorf("expected a User entity to be ensured")
	}
}

func TestStoreEventGoesToWorkingBuffer(t *testing.T) {
	m, store, sessions := newTestManager(t)
	sessions.start(context.Background(), nil)
	res, err := m.store("the user clicked the submit button on the signup form today", KindEvent, 1.0, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Tier != 0 {
		t.Errorf("Tier = %d, want 0", res.Tier)
	}
	if len(store.summariesByTier(0)) != 0 {
		t.Errorf("events must never be written as summary rows")
	}
}

func TestTier0OverflowAutoCompressesOldestHalf(t *testing.T) {
	m, store, sessions := newTestManager(t)
	start, _ := sessions.start(context.Background(), nil)
	sessionID := start.NewID

	m.cfg.Compression.Tier0OverflowThreshold = 35
	longContent := strings.Repeat("word ", 10)
	for i := 0; i < 4; i++ {
		if _, err := m.store(longContent, KindEvent, 1.0, nil); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	tier1 := store.summariesByTierAndSession(1, sessionID)
	if len(tier1) == 0 {
		t.Fatalf("expected auto-compression to have produced a Tier-1 summary")
	}

	remaining := m.currentSessionWorking(sessionID)
	if len(remaining) == 0 || len(remaining) >= 4 {
		t.Errorf("expected roughly half the working entries to remain, got %d", len(remaining))
	}
}

func TestForgetDeletePurgesVectors(t *testing.T) {
	m, store, _ := newTestManager(t)
	res, _ := m.store("this is a core memory fact about the product roadmap plan", KindCore, 1.0, nil)

	if store.countVectors() == 0 {
		t.Fatalf("expected the store to have indexed a vector")
	}

	report, err := m.forget(res.MemoryID, ActionDelete, "")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if report != "deleted" {
		t.Errorf("report = %q, want %q", report, "deleted")
	}
	if store.countVectors() != 0 {
		t.Errorf("expected vectors to be purged, countVectors() = %d", store.countVectors())
	}
	if _, ok := store.getSummary(res.MemoryID); ok {
		t.Errorf("expected summary row to be gone")
	}
}

func TestForgetCorrectWithoutCorrectionIsCallerError(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.forget("whatever-id", ActionCorrect, "")
	if err == nil {
		t.Fatalf("expected an error when correct is requested without a correction")
	}
}

func TestForgetDeprecatePreservesTier(t *testing.T) {
	m, store, _ := newTestManager(t)
	res, _ := m.store("this is a stable fact meant to be deprecated for the test case", KindSummary, 1.0, nil)

	originalTier := 1
	if _, err := m.forget(res.MemoryID, ActionDeprecate, ""); err != nil {
		t.Fatalf("forget: %v", err)
	}
	got, ok := store.getSummary(res.MemoryID)
	if !ok {
		t.Fatalf("expected summary to still exist after deprecate")
	}
	if got.Tier != originalTier {
		t.Errorf("Tier changed by deprecate: got %d, want %d", got.Tier, originalTier)
	}
	if !strings.HasPrefix(got.Content, "[DEPRECATED] ") {
		t.Errorf("content not prefixed with [DEPRECATED]: %q", got.Content)
	}
}

func TestCompressWorkingReportsNoEntriesWhenEmpty(t *testing.T) {
	m, _, sessions := newTestManager(t)
	sessions.start(context.Background(), nil)
	report, err := m.compress(ScopeWorking)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !strings.Contains(report, "no working entries") {
		t.Errorf("report = %q, want a no-entries message", report)
	}
}

func TestCompressEpochReportsShortfall(t *testing.T) {
	m, _, _ := newTestManager(t)
	report, err := m.compress(ScopeEpoch)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !strings.Contains(report, "need") {
		t.Errorf("report = %q, want a shortfall message", report)
	}
}

func TestCompressSessionConsolidatesIntoTierOne(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.store("first standalone summary entry with plenty of words in it", KindSummary, 1.0, nil)
	m.store("second standalone summary entry with plenty of words in it", KindSummary, 1.0, nil)

	report, err := m.compress(ScopeSession)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !strings.Contains(report, "tier 1") {
		t.Errorf("report = %q, want it to mention tier 1", report)
	}
	tier1 := store.summariesByTier(1)
	if len(tier1) != 1 {
		t.Fatalf("len(tier1) = %d, want 1 consolidated row", len(tier1))
	}
}

func TestCompressEpochConsolidatesIntoTierTwo(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.cfg.Compression.Tier1ConsolidationCount = 2
	m.store("first standalone summary entry with plenty of words in it", KindSummary, 1.0, nil)
	m.store("second standalone summary entry with plenty of words in it", KindSummary, 1.0, nil)

	report, err := m.compress(ScopeEpoch)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !strings.Contains(report, "tier 2") {
		t.Errorf("report = %q, want it to mention tier 2", report)
	}
	if len(store.summariesByTier(1)) != 0 {
		t.Errorf("expected source tier-1 rows to be deleted")
	}
	if len(store.summariesByTier(2)) != 1 {
		t.Fatalf("expected one consolidated tier-2 row")
	}
}

func TestAutoCompressRecordsSourceIDs(t *testing.T) {
	m, store, sessions := newTestManager(t)
	start, _ := sessions.start(context.Background(), nil)

	m.cfg.Compression.Tier0OverflowThreshold = 50
	for i := 0; i < 6; i++ {
		if _, err := m.store("one two three four five six seven eight nine ten.", KindEvent, 1.0, nil); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	tier1 := store.summariesByTierAndSession(1, start.NewID)
	if len(tier1) != 1 {
		t.Fatalf("len(tier1) = %d, want 1", len(tier1))
	}
	if tier1[0].SourceIDs == "[]" || tier1[0].SourceIDs == "" {
		t.Errorf("expected source_ids to list the compressed entries, got %q", tier1[0].SourceIDs)
	}
}
