package latentcontext

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// archiveHook lets a caller of start supply a best-effort summary of the
// outgoing session; a panic or error inside it is swallowed, never
// allowed to block the new session from starting.
type archiveHook func(ctx context.Context, oldSessionID string) (summary string, err error)

// sessionStartResult mirrors the record returned by start.
type sessionStartResult struct {
	NewID          string
	StartedAt      time.Time
	PreviousID     string
	Archived       bool
	ArchiveSummary string
}

// sessionRegistry is a single-slot state machine tracking
// the one process-wide active session.
type sessionRegistry struct {
	store *durableStore
	log   *zap.SugaredLogger

	mu        sync.Mutex
	currentID string
}

func newSessionRegistry(store *durableStore, log *zap.SugaredLogger) *sessionRegistry {
	return &sessionRegistry{store: store, log: log}
}

// start archives the outgoing session via hook (best-effort), ends it,
// then mints and activates a new one.
func (r *sessionRegistry) start(ctx context.Context, hook archiveHook) (sessionStartResult, error) {
	r.mu.Lock()
	oldID := r.currentID
	r.mu.Unlock()

	var archived bool
	var archiveSummary string
	if oldID != "" {
		if hook != nil {
			archiveSummary, archived = r.runHookSafely(ctx, hook, oldID)
		}
		r.endCurrent()
	}

	now := time.Now().UTC()
	newID := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	meta := "{}"
	if oldID != "" {
		meta = fmt.Sprintf(`{"previousSessionId":%q}`, oldID)
	}
	r.store.putSession(&sessionRow{ID: newID, StartedAt: now, Metadata: meta})

	r.mu.Lock()
	r.currentID = newID
	r.mu.Unlock()

	return sessionStartResult{
		NewID:          newID,
		StartedAt:      now,
		PreviousID:     oldID,
		Archived:       archived,
		ArchiveSummary: archiveSummary,
	}, nil
}

// runHookSafely invokes hook, treating any error as "archive produced
// nothing" rather than propagating it — archiving is best-effort.
func (r *sessionRegistry) runHookSafely(ctx context.Context, hook archiveHook, oldID string) (summary string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warnw("session archive hook panicked; ignoring", "recover", rec)
			summary, ok = "", false
		}
	}()
	s, err := hook(ctx, oldID)
	if err != nil {
		r.log.Warnw("session archive hook failed; ignoring", "error", err)
		return "", false
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// endCurrent marks the active session ended and clears in-process state.
func (r *sessionRegistry) endCurrent() {
	r.mu.Lock()
	id := r.currentID
	r.currentID = ""
	r.mu.Unlock()

	if id == "" {
		return
	}
	if sess, ok := r.store.getSession(id); ok {
		now := time.Now().UTC()
		sess.EndedAt = &now
		r.store.putSession(sess)
	}
}

// currentSessionID returns the active session id, or "" if none.
func (r *sessionRegistry) currentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}
