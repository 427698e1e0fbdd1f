package latentcontext

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// candidate is one unit of retrievable text competing for the budget.
type candidate struct {
	ID         string
	Text       string
	SourceTag  string
	Similarity float64
	Recency    float64
	Priority   float64
	Frequency  float64
	TokenCount int
	score      float64
}

// RetrieveResult is returned by memory_retrieve.
type RetrieveResult struct {
	Text                 string
	TotalTokens          int
	BudgetUsed           int
	BudgetRemaining      int
	SourceCounts         map[string]int
	SourceOrder          []string
	CandidatesConsidered int
	CandidatesSelected   int
	SessionID            string
}

// RetrieveFilter narrows candidate gathering for memory_retrieve.
type RetrieveFilter struct {
	MemoryTypes   map[string]bool
	After         *time.Time
	Before        *time.Time
	MinConfidence float64
}

const emptyRetrievalGuidance = "No relevant memories found for this query yet."

// sourcePriority gives each candidate source a default priority weight.
var sourcePriority = map[string]float64{
	"core":           1.0,
	"working":        0.95,
	"current_session": 0.9,
	"graph":          0.8,
	"long_term":      0.65,
	"past_sessions":  0.5,
	"vector":         0.4,
}

func priorityFor(tag string) float64 {
	if p, ok := sourcePriority[tag]; ok {
		return p
	}
	return 0.3
}

// entityMentionRE matches capitalized-sequence candidate entity
// mentions, used by the cross-session graph stage.
var entityMentionRE = regexp.MustCompile(`[A-Z][a-z]*(?:\s[A-Z][a-z]*)*`)
var quotedMentionRE = regexp.MustCompile(`"([^"]+)"`)

// mentionStopwords is the fixed English stopword set subtracted from
// candidate entity mentions.
var mentionStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "is": true, "was": true,
	"are": true, "were": true, "and": true, "or": true, "but": true,
	"this": true, "that": true, "these": true, "those": true, "my": true,
	"your": true, "his": true, "her": true, "its": true, "our": true,
	"their": true, "what": true, "when": true, "where": true, "who": true,
	"why": true, "how": true,
}

// contextAssembler handles candidate gathering, scoring,
// deduplication and budget-fill into formatted text.
type contextAssembler struct {
	store    *durableStore
	vectors  *vectorStore
	graph    *knowledgeGraph
	tokens   *tokenAccountant
	sessions *sessionRegistry
	manager  *memoryManager
	cfg      Config
	log      *zap.SugaredLogger
}

func newContextAssembler(store *durableStore, vectors *vectorStore, graph *knowledgeGraph, tokens *tokenAccountant, sessions *sessionRegistry, cfg Config, log *zap.SugaredLogger) *contextAssembler {
	return &contextAssembler{store: store, vectors: vectors, graph: graph, tokens: tokens, sessions: sessions, cfg: cfg, log: log}
}

// setManager wires the Memory Manager in after construction, since both
// are built from NewEngine in sequence and the Assembler needs read
// access to the working buffer the Manager owns exclusively.
func (a *contextAssembler) setManager(m *memoryManager) { a.manager = m }

// retrieve implements memory_retrieve.
func (a *contextAssembler) retrieve(query string, budget int, filter RetrieveFilter) RetrieveResult {
	if budget <= 0 {
		budget = a.cfg.TokenBudgets.DefaultRetrieveBudget
	}
	sessionID := a.sessions.currentSessionID()

	var candidates []candidate
	var order []string
	if a.cfg.Session.Mode == ModeStrict {
		candidates, order = a.gatherModeA(sessionID)
	} else {
		candidates, order = a.gatherModeB(query, sessionID, filter)
	}

	considered := len(candidates)
	for i := range candidates {
		candidates[i].score = a.compositeScore(candidates[i])
	}

	deduped := dedupCandidates(candidates, a.cfg.Ranking.DedupSimilarityThreshold)

	text, used, sourceCounts, selected := a.fillBudget(deduped, budget, sessionID, order)

	if text == "" {
		text = emptyRetrievalGuidance
	}

	return RetrieveResult{
		Text: text, TotalTokens: used, BudgetUsed: used,
		BudgetRemaining: budget - used, SourceCounts: sourceCounts,
		SourceOrder: order, CandidatesConsidered: considered,
		CandidatesSelected: selected, SessionID: sessionID,
	}
}

// gatherModeA implements the conservative strict-isolation source list.
func (a *contextAssembler) gatherModeA(sessionID string) ([]candidate, []string) {
	var out []candidate

	if a.manager != nil {
		entries := a.manager.currentSessionWorking(sessionID)
		if len(entries) > 0 {
			texts := make([]string, len(entries))
			for i, e := range entries {
				texts[i] = e.Content
			}
			joined := strings.Join(texts, "\n")
			out = append(out, candidate{
				ID: "working:" + sessionID, Text: joined, SourceTag: "working",
				Similarity: 0.6, Recency: 1.0, Frequency: 1.0,
				Priority: priorityFor("working"), TokenCount: a.tokens.count(joined),
			})
		}
	}

	for _, sm := range a.store.summariesByTierAndSession(1, sessionID) {
		out = append(out, a.tier1Candidate(sm, "current_session", 0.6))
	}

	return out, []string{"working", "current_session"}
}

// gatherModeB implements the six-source cross-session fusion.
func (a *contextAssembler) gatherModeB(query, sessionID string, filter RetrieveFilter) ([]candidate, []string) {
	var out []candidate

	// 1. Tier-3 core — always included, subject to its own budget cap.
	for _, sm := range a.store.summariesByTier(3) {
		out = append(out, a.coreCandidate(sm))
	}

	// 2. Current session working memory, concatenated as one candidate.
	if a.manager != nil {
		entries := a.manager.currentSessionWorking(sessionID)
		if len(entries) > 0 {
			texts := make([]string, len(entries))
			for i, e := range entries {
				texts[i] = e.Content
			}
			joined := strings.Join(texts, "\n")
			out = append(out, candidate{
				ID: "working:" + sessionID, Text: joined, SourceTag: "working",
				Similarity: 0.6, Recency: 1.0, Frequency: 1.0,
				Priority: priorityFor("working"), TokenCount: a.tokens.count(joined),
			})
		}
	}

	// 3. Top-20 vectors, dropping similarity < 0.3.
	vf := vectorFilter{MinConfidence: filter.MinConfidence, After: filter.After, Before: filter.Before}
	if len(filter.MemoryTypes) > 0 {
		vf.SourceTypes = filter.MemoryTypes
	}
	for _, hit := range a.vectors.search(query, 20, vf) {
		if hit.Similarity < 0.3 {
			continue
		}
		out = append(out, candidate{
			ID: hit.Record.ID, Text: hit.Record.ContentPreview, SourceTag: "vector",
			Similarity: float64(hit.Similarity), Recency: recencyOf(hit.Record.CreatedAt),
			Frequency: a.frequencyOf(hit.Record.ID), Priority: priorityFor("vector"),
			TokenCount: a.tokens.count(hit.Record.ContentPreview),
		})
	}

	// 4. Graph: extract candidate entity mentions, resolve each.
	mentions := extractEntityMentions(query)
	var graphTexts []string
	for _, mention := range mentions {
		result := a.graph.queryEntity(mention, 2)
		if result == nil {
			continue
		}
		graphTexts = append(graphTexts, result.Text)
		a.store.appendAccessLog(result.Entity.ID, "entity", time.Now().UTC())
	}
	if len(graphTexts) > 0 {
		joined := strings.Join(graphTexts, "\n")
		out = append(out, candidate{
			ID: "graph:" + query, Text: joined, SourceTag: "graph",
			Similarity: 0.7, Recency: 1.0, Frequency: 0.5,
			Priority: priorityFor("graph"), TokenCount: a.tokens.count(joined),
		})
	}

	// 5. Current-session Tier-1 (up to 5), past-session Tier-1 (up to 10).
	currentT1 := a.store.summariesByTierAndSession(1, sessionID)
	for i, sm := range currentT1 {
		if i >= 5 {
			break
		}
		out = append(out, a.tier1Candidate(sm, "current_session", 0.6))
	}
	pastT1 := a.store.summariesByTierExcludingSession(1, sessionID)
	for i, sm := range pastT1 {
		if i >= 10 {
			break
		}
		out = append(out, a.tier1Candidate(sm, "past_sessions", 0.5))
	}

	// 6. Tier-2 epoch summaries (up to 5).
	tier2 := a.store.summariesByTier(2)
	for i, sm := range tier2 {
		if i >= 5 {
			break
		}
		out = append(out, candidate{
			ID: sm.ID, Text: sm.Content, SourceTag: "long_term",
			Similarity: 0.4, Recency: recencyOf(sm.CreatedAt),
			Frequency: a.frequencyOf(sm.ID), Priority: priorityFor("long_term"),
			TokenCount: sm.TokenCount,
		})
	}

	return out, []string{"working", "current_session", "graph", "long_term", "past_sessions", "vector"}
}

func (a *contextAssembler) tier1Candidate(sm *summaryRow, tag string, sim float64) candidate {
	return candidate{
		ID: sm.ID, Text: sm.Content, SourceTag: tag,
		Similarity: sim, Recency: recencyOf(sm.CreatedAt),
		Frequency: a.frequencyOf(sm.ID), Priority: priorityFor(tag),
		TokenCount: sm.TokenCount,
	}
}

func (a *contextAssembler) coreCandidate(sm *summaryRow) candidate {
	truncated, n := a.tokens.truncate(sm.Content, a.cfg.TokenBudgets.Tier3Core)
	return candidate{
		ID: sm.ID, Text: truncated, SourceTag: "core",
		Similarity: 0.8, Recency: 1.0, Frequency: a.frequencyOf(sm.ID),
		Priority: priorityFor("core"), TokenCount: n,
	}
}

func (a *contextAssembler) frequencyOf(id string) float64 {
	n := a.store.accessCount(id)
	f := float64(n) / 10.0
	if f > 1.0 {
		f = 1.0
	}
	return f
}

// recencyOf is exp(-age_hours/168): it falls by a factor of e for every
// week (168 hours) of age.
func recencyOf(t time.Time) float64 {
	ageHours := time.Since(t).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-ageHours / 168.0)
}

func (a *contextAssembler) compositeScore(c candidate) float64 {
	r := a.cfg.Ranking
	return r.SemanticWeight*c.Similarity + r.RecencyWeight*c.Recency +
		r.PriorityWeight*c.Priority + r.FrequencyWeight*c.Frequency
}

// extractEntityMentions pulls up to five candidate entity mentions from
// a query: capitalized sequences and quoted substrings, minus stopwords.
func extractEntityMentions(query string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || len(out) >= 5 {
			return
		}
		if mentionStopwords[strings.ToLower(s)] {
			return
		}
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, m := range quotedMentionRE.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	for _, m := range entityMentionRE.FindAllString(query, -1) {
		add(m)
	}
	return out
}

// jaccard computes token-set Jaccard similarity over lowercased
// whitespace-split tokens of length > 2.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

// dedupCandidates removes near-duplicate
// pairs (Jaccard >= threshold) collapse to the higher-scored survivor,
// kept in arrival order.
func dedupCandidates(candidates []candidate, threshold float64) []candidate {
	var kept []candidate
	for _, c := range candidates {
		replaced := false
		for i, k := range kept {
			if jaccard(c.Text, k.Text) >= threshold {
				if c.score > k.score {
					kept[i] = c
				}
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, c)
		}
	}
	return kept
}

// fillBudget sorts survivors by score (stable) and greedily first-fits
// them into budget, formatting the fixed section order.
func (a *contextAssembler) fillBudget(candidates []candidate, budget int, sessionID string, order []string) (text string, used int, sourceCounts map[string]int, selected int) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	sections := map[string][]string{}
	sourceCounts = map[string]int{}
	remaining := budget

	for _, c := range candidates {
		if c.SourceTag == "core" {
			// Tier-3 core is included before the loop and consumes budget
			// up front.
			if c.TokenCount > remaining {
				continue
			}
			sections["core"] = append(sections["core"], c.Text)
			sourceCounts["core"]++
			remaining -= c.TokenCount
			used += c.TokenCount
			selected++
			a.store.appendAccessLog(c.ID, "candidate", time.Now().UTC())
		}
	}
	for _, c := range candidates {
		if c.SourceTag == "core" {
			continue
		}
		if c.TokenCount > remaining {
			continue
		}
		sections[c.SourceTag] = append(sections[c.SourceTag], c.Text)
		sourceCounts[c.SourceTag]++
		remaining -= c.TokenCount
		used += c.TokenCount
		selected++
		a.store.appendAccessLog(c.ID, "candidate", time.Now().UTC())
	}

	fullOrder := append([]string{"core"}, order...)
	var blocks []string
	for _, tag := range fullOrder {
		lines, ok := sections[tag]
		if !ok || len(lines) == 0 {
			continue
		}
		blocks = append(blocks, sectionLabel(tag)+"\n"+strings.Join(lines, "\n"))
	}

	if len(blocks) == 0 {
		return "", 0, sourceCounts, 0
	}

	footer := formatFooter(sessionID, sourceCounts, fullOrder, used, budget)
	return strings.Join(blocks, "\n\n") + "\n\n" + footer, used, sourceCounts, selected
}

func sectionLabel(tag string) string {
	switch tag {
	case "core":
		return "Core Memory:"
	case "working":
		return "Working Memory:"
	case "current_session":
		return "Current Session:"
	case "graph":
		return "Related Knowledge:"
	case "long_term":
		return "Long-Term Summaries:"
	case "past_sessions":
		return "Past Sessions:"
	case "vector":
		return "Related Memories:"
	default:
		return tag + ":"
	}
}

// formatFooter renders the metadata footer appended to every retrieval.
func formatFooter(sessionID string, sourceCounts map[string]int, order []string, used, budget int) string {
	idPrefix := "none"
	if sessionID != "" {
		idPrefix = sessionID
		if len(idPrefix) > 8 {
			idPrefix = idPrefix[:8]
		}
	}
	var parts []string
	for _, tag := range order {
		if n, ok := sourceCounts[tag]; ok && n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", tag, n))
		}
	}
	return fmt.Sprintf("--- Session: %s | Sources: %s | Tokens: %d/%d ---", idPrefix, strings.Join(parts, ", "), used, budget)
}
