package registry

import (
	"sync/atomic"
	"time"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// State is a session's position in the state machine from spec.md section
// 4's footer: Pending -> Authorising -> Connecting -> Active -> Closing ->
// Gone. Authorising happens before a Session exists (the token verifier
// runs first), so a freshly registered Session starts at Pending and moves
// to Connecting implicitly while the caller's connect callback runs.
type State int

const (
	StatePending State = iota
	StateConnecting
	StateActive
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateGone:
		return "Gone"
	default:
		return "Unknown"
	}
}

// Session is the registry's in-memory record for one live tunnel. The
// registry owns the indexes that point at it; the tunnel engine task owns
// the sockets and recording handle. Exported fields set at creation are
// immutable; mutable fields are accessed through the methods below so the
// registry and the owning task never race.
type Session struct {
	ID                  string
	TokenFingerprint    string
	TokenID             string
	ContentType         gateway.ContentType
	ApplicationProtocol gateway.ApplicationProtocol
	ClientAddr          string
	ListenerURL         string
	StartedAt           time.Time

	// Deadline is zero when the token carries no TTL (jet_ttl == 0).
	Deadline time.Time

	bytesRx atomic.Uint64
	bytesTx atomic.Uint64

	state atomic.Int32

	// cancel is closed to signal forced termination to the owning tunnel
	// task. newSession allocates it, so it is never nil.
	cancel chan struct{}

	// forced guards cancel from being closed twice.
	forced atomic.Bool

	// targetAddr is set once C5 resolves and connects, for listing/metadata.
	targetAddr atomic.Value // string

	openAcked  atomic.Bool
	closedAt   atomic.Value // time.Time
	outcome    atomic.Value // gateway.Outcome
	closeCause atomic.Value // string
}

func newSession(id, tokenFingerprint, tokenID string, ct gateway.ContentType, ap gateway.ApplicationProtocol, clientAddr, listenerURL string, deadline time.Time) *Session {
	s := &Session{
		ID:                  id,
		TokenFingerprint:    tokenFingerprint,
		TokenID:             tokenID,
		ContentType:         ct,
		ApplicationProtocol: ap,
		ClientAddr:          clientAddr,
		ListenerURL:         listenerURL,
		StartedAt:           time.Now(),
		Deadline:            deadline,
		cancel:              make(chan struct{}),
	}
	s.state.Store(int32(StatePending))
	s.targetAddr.Store("")
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// TargetAddr returns the resolved upstream address, empty until Connecting
// completes.
func (s *Session) TargetAddr() string { return s.targetAddr.Load().(string) }

func (s *Session) setTargetAddr(addr string) { s.targetAddr.Store(addr) }

// AddBytesRx/AddBytesTx update the byte counters under a relaxed discipline
// (spec.md section 3): concurrent updates from the tunnel engine's two
// direction goroutines never corrupt the count, but there is no
// synchronisation with readers beyond atomicity.
func (s *Session) AddBytesRx(n uint64) { s.bytesRx.Add(n) }
func (s *Session) AddBytesTx(n uint64) { s.bytesTx.Add(n) }

// BytesRx/BytesTx return the current byte counts.
func (s *Session) BytesRx() uint64 { return s.bytesRx.Load() }
func (s *Session) BytesTx() uint64 { return s.bytesTx.Load() }

// Done returns a channel closed when the session is forced to terminate,
// that is, on the first ForceTerminate call (Registry.Terminate makes one).
func (s *Session) Done() <-chan struct{} { return s.cancel }

// ForceTerminate signals the owning tunnel task to close. Safe to call
// multiple times and from any goroutine.
func (s *Session) ForceTerminate() {
	if s.forced.CompareAndSwap(false, true) {
		close(s.cancel)
	}
	if s.State() == StateActive {
		s.setState(StateClosing)
	}
}

// WasForced reports whether ForceTerminate has been invoked on this
// session.
func (s *Session) WasForced() bool { return s.forced.Load() }

// MarkOpenAcked records that the open event for this session has been
// published. The dispatch layer calls it just before enqueueing the open
// event, whether or not a traffic queue is configured; it does not wait for
// the subscriber notifier to deliver the event.
func (s *Session) MarkOpenAcked() { s.openAcked.Store(true) }

// OpenAcked reports whether MarkOpenAcked has been called.
func (s *Session) OpenAcked() bool { return s.openAcked.Load() }

// MarkClosed records the terminal outcome and cause of a session. It is
// idempotent; only the first call has effect.
func (s *Session) MarkClosed(outcome gateway.Outcome, cause string) {
	s.closedAt.CompareAndSwap(nil, time.Now())
	s.outcome.CompareAndSwap(nil, outcome)
	s.closeCause.CompareAndSwap(nil, cause)
	s.setState(StateGone)
}

// ClosedAt, Outcome and Cause report the terminal state, zero-valued until
// MarkClosed has been called.
func (s *Session) ClosedAt() (time.Time, bool) {
	v := s.closedAt.Load()
	if v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

func (s *Session) Outcome() gateway.Outcome {
	v := s.outcome.Load()
	if v == nil {
		return ""
	}
	return v.(gateway.Outcome)
}

func (s *Session) Cause() string {
	v := s.closeCause.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

// Snapshot is a point-in-time, immutable view of a Session, returned by
// List so callers never observe a record mutating mid-read.
type Snapshot struct {
	ID                  string
	TokenFingerprint    string
	ApplicationProtocol gateway.ApplicationProtocol
	ClientAddr          string
	TargetAddr          string
	ListenerURL         string
	StartedAt           time.Time
	Deadline            time.Time
	State               State
	BytesRx             uint64
	BytesTx             uint64
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:                  s.ID,
		TokenFingerprint:    s.TokenFingerprint,
		ApplicationProtocol: s.ApplicationProtocol,
		ClientAddr:          s.ClientAddr,
		TargetAddr:          s.TargetAddr(),
		ListenerURL:         s.ListenerURL,
		StartedAt:           s.StartedAt,
		Deadline:            s.Deadline,
		State:               s.State(),
		BytesRx:             s.BytesRx(),
		BytesTx:             s.BytesTx(),
	}
}
