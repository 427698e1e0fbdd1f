package latentcontext

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SessionStartResult is returned by SessionStart.
type SessionStartResult struct {
	SessionID      string
	StartedAt      time.Time
	PreviousID     string
	Archived       bool
	ArchiveSummary string
}

// SessionStart archives the outgoing
// session's working buffer as a Tier-1 summary (best-effort), clear the
// working buffer, and mint a new session.
func (e *Engine) SessionStart(ctx context.Context) (SessionStartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return SessionStartResult{}, err
	}

	hook := func(ctx context.Context, oldID string) (string, error) {
		summary, ok := e.manager.archiveWorking(oldID)
		if !ok {
			return "", nil
		}
		return summary, nil
	}

	res, err := e.sessions.start(ctx, hook)
	if err != nil {
		return SessionStartResult{}, err
	}
	e.manager.clearWorking()

	return SessionStartResult{
		SessionID: res.NewID, StartedAt: res.StartedAt, PreviousID: res.PreviousID,
		Archived: res.Archived, ArchiveSummary: res.ArchiveSummary,
	}, nil
}

const (
	minContentTokens = 10
	warnContentTokens = 25
)

// MemoryStore stores a new memory, including its content
// length validation.
func (e *Engine) MemoryStore(content string, kind MemoryKind, confidence float64, entities []string) (StoreResult, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return StoreResult{}, "", err
	}

	n := len(strings.Fields(content))
	if n < minContentTokens {
		return StoreResult{}, "", fmt.Errorf("%w: REJECTED - content %q is too short (%d words, need >= %d); rewrite with more context, e.g. %q",
			ErrValidation, content, n, minContentTokens, "User prefers working in the mornings because they are more focused then")
	}

	if confidence == 0 {
		confidence = 1.0
	}
	res, err := e.manager.store(content, kind, confidence, entities)
	if err != nil {
		return StoreResult{}, "", err
	}

	warning := ""
	if n < warnContentTokens {
		warning = "note: content is brief; consider adding more context for better retrieval"
	}
	return res, warning, nil
}

// MemoryRetrieve assembles a ranked, budgeted digest for a query.
func (e *Engine) MemoryRetrieve(query string, tokenBudget int, filter RetrieveFilter) (RetrieveResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return RetrieveResult{}, err
	}
	return e.assembler.retrieve(query, tokenBudget, filter), nil
}

// MemoryCompress runs one compression scope: working entries into a
// Tier-1 summary, all Tier-1 summaries into one new Tier-1 summary
// (session), or Tier-1 summaries into a Tier-2 summary (epoch).
func (e *Engine) MemoryCompress(scope CompressionScope) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	return e.manager.compress(scope)
}

// MemoryForget deprecates, corrects or deletes a memory. correct without
// correction is a caller error, surfaced as ErrValidation.
func (e *Engine) MemoryForget(memoryID string, action ForgetAction, correction string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	return e.manager.forget(memoryID, action, correction)
}

// MemoryStatus reports tier occupancy and graph/vector counts.
func (e *Engine) MemoryStatus() (MemoryStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return MemoryStatus{}, err
	}
	return e.manager.status(), nil
}

// GraphQuery looks up an entity's neighborhood or a predicate's facts.
func (e *Engine) GraphQuery(entity string, relation string, depth int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if depth <= 0 {
		depth = 1
	}

	if relation != "" {
		facts := e.graph.queryByPredicate(relation)
		if len(facts) == 0 {
			return "not found", nil
		}
		return serializeFacts(facts), nil
	}

	result := e.graph.queryEntity(entity, depth)
	if result == nil {
		return "not found", nil
	}
	return result.Text, nil
}
