package latentcontext

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryKind is the classification tag on memory_store, driving the
// classify-and-route table.
type MemoryKind string

const (
	KindCore       MemoryKind = "core"
	KindFact       MemoryKind = "fact"
	KindPreference MemoryKind = "preference"
	KindEvent      MemoryKind = "event"
	KindSummary    MemoryKind = "summary"
)

func validMemoryKind(k MemoryKind) bool {
	switch k {
	case KindCore, KindFact, KindPreference, KindEvent, KindSummary:
		return true
	}
	return false
}

// CompressionScope names the scopes accepted by memory_compress.
type CompressionScope string

const (
	ScopeWorking CompressionScope = "working"
	ScopeSession CompressionScope = "session"
	ScopeEpoch   CompressionScope = "epoch"
)

// ForgetAction names the actions accepted by memory_forget.
type ForgetAction string

const (
	ActionDeprecate ForgetAction = "deprecate"
	ActionCorrect   ForgetAction = "correct"
	ActionDelete    ForgetAction = "delete"
)

// StoreResult is returned by memory_store.
type StoreResult struct {
	MemoryID        string
	Tier            int
	EntitiesCreated int
	FactsStored     int
	VectorID        string
	SessionID       string
}

// TierStat is one row of MemoryStatus's per-tier breakdown.
type TierStat struct {
	Count         int
	TokenEstimate int
}

// MemoryStatus is returned by memory_status.
type MemoryStatus struct {
	Tiers          map[int]TierStat
	EntityCount    int
	RelationCount  int
	VectorCount    int
	CurrentSession string
}

// workingEntry is an in-memory Tier-0 record, per the data model — never
// persisted as a row, cleared wholesale on session_start.
type workingEntry struct {
	ID         string
	Content    string
	TokenCount int
	CreatedAt  time.Time
	SessionID  string
}

// memoryManager handles classify-and-route, overflow,
// compression and forget. It is the exclusive owner of the working
// buffer.
type memoryManager struct {
	store    *durableStore
	vectors  *vectorStore
	graph    *knowledgeGraph
	tokens   *tokenAccountant
	sessions *sessionRegistry
	cfg      Config
	log      *zap.SugaredLogger

	mu      sync.Mutex
	working []*workingEntry
}

func newMemoryManager(store *durableStore, vectors *vectorStore, graph *knowledgeGraph, tokens *tokenAccountant, sessions *sessionRegistry, cfg Config, log *zap.SugaredLogger) *memoryManager {
	return &memoryManager{store: store, vectors: vectors, graph: graph, tokens: tokens, sessions: sessions, cfg: cfg, log: log}
}

// store classifies content by kind and routes it to the appropriate
// tier, graph side effect and vector index.
func (m *memoryManager) store(content string, kind MemoryKind, confidence float64, entities []string) (StoreResult, error) {
	if !validMemoryKind(kind) {
		return StoreResult{}, fmt.Errorf("%w: unknown memory kind %q", ErrValidation, kind)
	}
	sessionID := m.sessions.currentSessionID()

	switch kind {
	case KindEvent:
		return m.storeEvent(content, confidence, entities, sessionID)
	default:
		return m.storeTiered(content, kind, confidence, entities, sessionID)
	}
}

func tierFor(kind MemoryKind) int {
	switch kind {
	case KindCore:
		return 3
	case KindPreference:
		return 2
	default: // fact, summary
		return 1
	}
}

func (m *memoryManager) storeTiered(content string, kind MemoryKind, confidence float64, entities []string, sessionID string) (StoreResult, error) {
	tier := tierFor(kind)
	now := time.Now().UTC()
	id := uuid.NewString()
	tokenCount := m.tokens.count(content)

	summaryTag := ""
	if tier == 1 {
		summaryTag = sessionID
	}

	m.store.insertSummary(&summaryRow{
		ID: id, Tier: tier, Content: content, TokenCount: tokenCount,
		CreatedAt: now, UpdatedAt: now, SessionID: summaryTag,
		SourceIDs: "[]", Metadata: "{}",
	})

	entitiesCreated, factsStored := m.applyGraphSideEffect(kind, content, entities, confidence, id)
	vectorID := m.bestEffortIndex(id, string(kind), content, confidence)

	return StoreResult{
		MemoryID: id, Tier: tier, EntitiesCreated: entitiesCreated,
		FactsStored: factsStored, VectorID: vectorID, SessionID: sessionID,
	}, nil
}

func (m *memoryManager) storeEvent(content string, confidence float64, entities []string, sessionID string) (StoreResult, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	tokenCount := m.tokens.count(content)

	entry := &workingEntry{ID: id, Content: content, TokenCount: tokenCount, CreatedAt: now, SessionID: sessionID}
	m.mu.Lock()
	m.working = append(m.working, entry)
	m.mu.Unlock()

	entitiesCreated := 0
	for _, label := range entities {
		m.graph.ensureEntity(label, "unknown", "{}", confidence)
		entitiesCreated++
	}
	vectorID := m.bestEffortIndex(id, "event", content, confidence)

	m.checkTier0Overflow(sessionID)

	return StoreResult{
		MemoryID: id, Tier: 0, EntitiesCreated: entitiesCreated,
		FactsStored: 0, VectorID: vectorID, SessionID: sessionID,
	}, nil
}

// applyGraphSideEffect implements the "graph side-effect" column of
// tier table for non-event kinds.
func (m *memoryManager) applyGraphSideEffect(kind MemoryKind, content string, entities []string, confidence float64, summaryID string) (entitiesCreated, factsStored int) {
	switch kind {
	case KindFact:
		for _, label := range entities {
			m.graph.ensureEntity(label, "unknown", "{}", confidence)
			entitiesCreated++
		}
		if len(entities) >= 2 {
			predicate := inferPredicate(content)
			for i := 1; i < len(entities); i++ {
				m.graph.storeFact(entities[0], predicate, entities[i], confidence, summaryID)
				factsStored++
			}
		}
	case KindPreference:
		m.graph.ensureEntity("User", "unknown", "{}", 1.0)
		for _, label := range entities {
			m.graph.ensureEntity(label, "unknown", "{}", confidence)
			entitiesCreated++
			m.graph.storeFact("User", "prefers", label, confidence, summaryID)
			factsStored++
		}
	case KindCore, KindSummary:
		// No graph side effect.
	}
	return
}

// bestEffortIndex embeds and indexes content, catching any panic from
// the embedder or vector store so a vector failure never fails the tier
// write.
func (m *memoryManager) bestEffortIndex(sourceID, sourceType, content string, confidence float64) (vectorID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warnw("vector indexing failed; continuing without a vector", "recover", r, "sourceId", sourceID)
			vectorID = ""
		}
	}()
	return m.vectors.add(sourceID, sourceType, content, confidence, "{}")
}

// checkTier0Overflow runs the working-buffer auto-compress: at most once
// per call, taking the chronologically oldest half of the current
// session's working entries once their combined tokens exceed the
// configured threshold.
func (m *memoryManager) checkTier0Overflow(sessionID string) {
	m.mu.Lock()
	var current []*workingEntry
	for _, e := range m.working {
		if e.SessionID == sessionID {
			current = append(current, e)
		}
	}
	total := 0
	for _, e := range current {
		total += e.TokenCount
	}
	if total <= m.cfg.Compression.Tier0OverflowThreshold || len(current) == 0 {
		m.mu.Unlock()
		return
	}
	sort.Slice(current, func(i, j int) bool { return current[i].CreatedAt.Before(current[j].CreatedAt) })
	half := (len(current) + 1) / 2
	toCompress := current[:half]
	m.mu.Unlock()

	m.compressEntries(toCompress, sessionID, "auto_compressed")
}

// compressEntries concatenates entries, writes a Tier-1 summary, indexes
// it best-effort, and removes those entries from the working buffer.
func (m *memoryManager) compressEntries(entries []*workingEntry, sessionID, metadataType string) (summaryID string, originalTokens, compressedTokens int) {
	if len(entries) == 0 {
		return "", 0, 0
	}
	contents := make([]string, len(entries))
	sourceIDs := make([]string, len(entries))
	originalTokens = 0
	for i, e := range entries {
		contents[i] = e.Content
		sourceIDs[i] = e.ID
		originalTokens += e.TokenCount
	}
	joined := strings.Join(contents, "\n")
	truncated, n := m.tokens.truncate(joined, m.cfg.TokenBudgets.Tier1Session)
	compressedTokens = n

	id := uuid.NewString()
	now := time.Now().UTC()
	meta := fmt.Sprintf(`{"type":%q,"originalCount":%d,"originalTokens":%d}`, metadataType, len(entries), originalTokens)
	m.store.insertSummary(&summaryRow{
		ID: id, Tier: 1, Content: truncated, TokenCount: compressedTokens,
		CreatedAt: now, UpdatedAt: now, SessionID: sessionID,
		SourceIDs: jsonStringArray(sourceIDs), Metadata: meta,
	})
	m.bestEffortIndex(id, "summary", truncated, 1.0)

	remove := map[string]bool{}
	for _, e := range entries {
		remove[e.ID] = true
	}
	m.mu.Lock()
	kept := m.working[:0]
	for _, e := range m.working {
		if !remove[e.ID] {
			kept = append(kept, e)
		}
	}
	m.working = kept
	m.mu.Unlock()

	return id, originalTokens, compressedTokens
}

// compress implements memory_compress for all three scopes, returning a
// human-readable report.
func (m *memoryManager) compress(scope CompressionScope) (string, error) {
	switch scope {
	case ScopeWorking:
		return m.compressWorking()
	case ScopeSession:
		return m.compressSession()
	case ScopeEpoch:
		return m.compressEpoch()
	default:
		return "", fmt.Errorf("%w: unknown compression scope %q", ErrValidation, scope)
	}
}

func (m *memoryManager) compressWorking() (string, error) {
	sessionID := m.sessions.currentSessionID()
	m.mu.Lock()
	var current []*workingEntry
	for _, e := range m.working {
		if e.SessionID == sessionID {
			current = append(current, e)
		}
	}
	m.mu.Unlock()

	if len(current) == 0 {
		return "no working entries to compress", nil
	}
	_, originalTokens, compressedTokens := m.compressEntries(current, sessionID, "manual_compressed")
	ratio := float64(originalTokens) / float64(maxInt(1, compressedTokens))
	return fmt.Sprintf("compressed %d working entries (%d -> %d tokens, ratio %.1fx)", len(current), originalTokens, compressedTokens, ratio), nil
}

func (m *memoryManager) compressSession() (string, error) {
	tier1 := m.store.summariesByTier(1)
	if len(tier1) < 2 {
		return "not enough Tier-1 summaries to compress", nil
	}
	return m.consolidate(tier1, 1, m.cfg.TokenBudgets.Tier1Session*2, "session_consolidated")
}

func (m *memoryManager) compressEpoch() (string, error) {
	tier1 := m.store.summariesByTier(1)
	if len(tier1) < m.cfg.Compression.Tier1ConsolidationCount {
		return fmt.Sprintf("need %d Tier-1 summaries to consolidate into an epoch, have %d", m.cfg.Compression.Tier1ConsolidationCount, len(tier1)), nil
	}
	return m.consolidate(tier1, 2, m.cfg.TokenBudgets.Tier2Epoch, "epoch_consolidated")
}

// consolidate writes a new summary at destTier from the concatenation of
// source, then deletes source and its vectors.
func (m *memoryManager) consolidate(source []*summaryRow, destTier, budget int, metadataType string) (string, error) {
	contents := make([]string, len(source))
	sourceIDs := make([]string, len(source))
	originalTokens := 0
	for i, sm := range source {
		contents[i] = sm.Content
		sourceIDs[i] = sm.ID
		originalTokens += sm.TokenCount
	}
	joined := strings.Join(contents, "\n\n")
	truncated, n := m.tokens.truncate(joined, budget)

	id := uuid.NewString()
	now := time.Now().UTC()
	meta := fmt.Sprintf(`{"type":%q,"originalCount":%d,"originalTokens":%d}`, metadataType, len(source), originalTokens)
	m.store.insertSummary(&summaryRow{
		ID: id, Tier: destTier, Content: truncated, TokenCount: n,
		CreatedAt: now, UpdatedAt: now, SourceIDs: jsonStringArray(sourceIDs), Metadata: meta,
	})
	m.bestEffortIndex(id, "summary", truncated, 1.0)

	for _, sm := range source {
		m.vectors.deleteBySource(sm.ID)
		m.store.deleteSummary(sm.ID)
	}

	return fmt.Sprintf("consolidated %d summaries into tier %d (%d -> %d tokens)", len(source), destTier, originalTokens, n), nil
}

// forget implements memory_forget.
func (m *memoryManager) forget(memoryID string, action ForgetAction, correction string) (string, error) {
	if action == ActionCorrect && correction == "" {
		return "", fmt.Errorf("%w: correct requires a correction", ErrValidation)
	}

	if sm, ok := m.store.getSummary(memoryID); ok {
		switch action {
		case ActionDelete:
			m.vectors.deleteBySource(memoryID)
			m.store.deleteSummary(memoryID)
			return "deleted", nil
		case ActionDeprecate:
			m.store.updateSummaryContent(memoryID, "[DEPRECATED] "+sm.Content, sm.TokenCount+15, time.Now().UTC())
			return "deprecated", nil
		case ActionCorrect:
			tokenCount := m.tokens.count(correction)
			m.store.updateSummaryContent(memoryID, correction, tokenCount, time.Now().UTC())
			m.vectors.deleteBySource(memoryID)
			m.bestEffortIndex(memoryID, "summary", correction, 1.0)
			return "corrected", nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.working {
		if e.ID != memoryID {
			continue
		}
		switch action {
		case ActionDelete:
			m.working = append(m.working[:i], m.working[i+1:]...)
			return "deleted", nil
		case ActionCorrect:
			e.Content = correction
			e.TokenCount = m.tokens.count(correction)
			return "corrected", nil
		case ActionDeprecate:
			return "no-op: working entries are not deprecated", nil
		}
	}

	return "not found", nil
}

// archiveWorking concatenates and compresses all working entries tagged
// with sessionID. Returns ("", false) if there are none.
func (m *memoryManager) archiveWorking(sessionID string) (string, bool) {
	m.mu.Lock()
	var current []*workingEntry
	for _, e := range m.working {
		if e.SessionID == sessionID {
			current = append(current, e)
		}
	}
	m.mu.Unlock()

	if len(current) == 0 {
		return "", false
	}
	_, originalTokens, compressedTokens := m.compressEntries(current, sessionID, "session_archive")
	return fmt.Sprintf("archived %d working entries (%d -> %d tokens)", len(current), originalTokens, compressedTokens), true
}

// clearWorking empties the working buffer unconditionally.
func (m *memoryManager) clearWorking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working = nil
}

// currentSessionWorking returns the working entries tagged with the
// current session, for the Context Assembler.
func (m *memoryManager) currentSessionWorking(sessionID string) []*workingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workingEntry
	for _, e := range m.working {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// status implements memory_status.
func (m *memoryManager) status() MemoryStatus {
	sessionID := m.sessions.currentSessionID()

	m.mu.Lock()
	tier0Count, tier0Tokens := 0, 0
	for _, e := range m.working {
		if e.SessionID == sessionID {
			tier0Count++
			tier0Tokens += e.TokenCount
		}
	}
	m.mu.Unlock()

	tiers := map[int]TierStat{0: {Count: tier0Count, TokenEstimate: tier0Tokens}}
	for tier, stat := range m.store.tierStats() {
		tiers[tier] = TierStat{Count: stat.Count, TokenEstimate: stat.Tokens}
	}

	return MemoryStatus{
		Tiers:          tiers,
		EntityCount:    m.store.countEntities(),
		RelationCount:  m.store.countActiveRelations(),
		VectorCount:    m.store.countVectors(),
		CurrentSession: sessionID,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// jsonStringArray renders a string slice as a JSON array literal without
// pulling in encoding/json for what is always a list of UUIDs (no
// escaping concerns).
func jsonStringArray(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
