package latentcontext

import "errors"

// Sentinel errors for the taxonomy described in the design notes: Validation
// and NotFound are reported back to the caller as benign results, never as
// process-level failures. BestEffort failures never reach the caller at all
// (they're logged and swallowed at the point of failure). Fatal has no
// sentinel: it surfaces only as the wrapped error NewEngine returns.
// Invariant has no sentinel either; Engine methods do not recover panics.
var (
	// ErrValidation marks a malformed tool argument (missing field,
	// out-of-range number, content that fails the length floor).
	ErrValidation = errors.New("latentcontext: validation failed")

	// ErrNotFound marks a reference that resolved to nothing after every
	// fallback the component defines (fuzzy label match, working-entry
	// lookup, etc). Callers should treat it as a benign empty result.
	ErrNotFound = errors.New("latentcontext: not found")

	// ErrClosed is returned by any Engine method called after Close.
	ErrClosed = errors.New("latentcontext: engine is closed")
)
