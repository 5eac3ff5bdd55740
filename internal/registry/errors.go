package registry

import "github.com/gravitational/trace"

// ReuseKind classifies why a register() call was rejected for reuse.
type ReuseKind string

const (
	// ReuseKindConcurrent is returned for a non-RDP token whose first use
	// is still live.
	ReuseKindConcurrent ReuseKind = "concurrent"
	// ReuseKindWindowExpired is returned for an RDP token reused after its
	// 10s grace window has elapsed.
	ReuseKindWindowExpired ReuseKind = "window_expired"
)

// ReuseError is returned by Register when a token fingerprint fails the
// reuse policy in spec.md section 3. All variants surface to callers as a
// single "Reused" outcome (testable property 1).
type ReuseError struct {
	Kind ReuseKind
}

func (e *ReuseError) Error() string { return "token reused: " + string(e.Kind) }

func newReuseError(kind ReuseKind) error {
	return trace.Wrap(&ReuseError{Kind: kind})
}

// ErrNotFound is returned by Terminate and GetByToken when no matching
// session exists.
var ErrNotFound = trace.NotFound("session not found")
