package latentcontext

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestSessionRegistry(t *testing.T) *sessionRegistry {
	t.Helper()
	s := newTestStore(t)
	return newSessionRegistry(s, zap.NewNop().Sugar())
}

func TestSessionStartFirstTimeHasNoPrevious(t *testing.T) {
	r := newTestSessionRegistry(t)
	res, err := r.start(context.Background(), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.PreviousID != "" {
		t.Errorf("PreviousID = %q, want empty on first start", res.PreviousID)
	}
	if res.NewID == "" {
		t.Errorf("expected a non-empty new session id")
	}
	if r.currentSessionID() != res.NewID {
		t.Errorf("currentSessionID() = %q, want %q", r.currentSessionID(), res.NewID)
	}
}

func TestSessionStartIDContainsMillisPrefixAndUUID(t *testing.T) {
	r := newTestSessionRegistry(t)
	res, _ := r.start(context.Background(), nil)
	parts := strings.SplitN(res.NewID, "-", 2)
	if len(parts) != 2 {
		t.Fatalf("expected id of form <millis>-<uuid>, got %q", res.NewID)
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		t.Errorf("prefix %q is not a millisecond timestamp: %v", parts[0], err)
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		t.Errorf("suffix %q is not a UUID: %v", parts[1], err)
	}
}

func TestSessionStartEndsPriorSession(t *testing.T) {
	r := newTestSessionRegistry(t)
	first, _ := r.start(context.Background(), nil)
	second, err := r.start(context.Background(), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if second.PreviousID != first.NewID {
		t.Errorf("PreviousID = %q, want %q", second.PreviousID, first.NewID)
	}
	if r.currentSessionID() != second.NewID {
		t.Errorf("current session should be the new one")
	}
}

func TestSessionStartIgnoresArchiveHookError(t *testing.T) {
	r := newTestSessionRegistry(t)
	r.start(context.Background(), nil)

	hook := func(ctx context.Context, oldID string) (string, error) {
		return "", errors.New("boom")
	}
	res, err := r.start(context.Background(), hook)
	if err != nil {
		t.Fatalf("start should not propagate archive hook errors: %v", err)
	}
	if res.Archived {
		t.Errorf("Archived should be false when the hook errors")
	}
}

func TestSessionStartIgnoresArchiveHookPanic(t *testing.T) {
	r := newTestSessionRegistry(t)
	r.start(context.Background(), nil)

	hook := func(ctx context.Context, oldID string) (string, error) {
		panic("unexpected")
	}
	_, err := r.start(context.Background(), hook)
	if err != nil {
		t.Fatalf("start should survive a panicking archive hook: %v", err)
	}
}

func TestSessionStartUsesArchiveHookSummary(t *testing.T) {
	r := newTestSessionRegistry(t)
	r.start(context.Background(), nil)

	hook := func(ctx context.Context, oldID string) (string, error) {
		return "summary text", nil
	}
	res, _ := r.start(context.Background(), hook)
	if !res.Archived || res.ArchiveSummary != "summary text" {
		t.Errorf("expected archived summary to propagate, got %+v", res)
	}
}

func TestEndCurrentClearsState(t *testing.T) {
	r := newTestSessionRegistry(t)
	r.start(context.Background(), nil)
	r.endCurrent()
	if r.currentSessionID() != "" {
		t.Errorf("expected currentSessionID to be empty after endCurrent")
	}
}
