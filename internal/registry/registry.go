// Package registry implements the Gateway session registry (spec.md section
// 4.4): the source of truth for live sessions, the token reuse table, and
// the at-most-one-active-per-token enforcement that sits between
// authorisation and upstream connect.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/metrics"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
)

// shardCount bounds lock contention by sharding both indexes on the token
// fingerprint hash, per spec.md section 5.
const shardCount = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session          // by session id
	byToken  map[string]map[string]*Session // fingerprint -> session id -> session
	reuse    map[string]*reuseEntry
}

// Registry is the shared, interior-mutable session index. It never holds a
// lock across an I/O wait: register's caller-supplied connect callback runs
// with no shard lock held.
type Registry struct {
	shards [shardCount]*shard
	log    log.FieldLogger
	clock  clockwork.Clock
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the clock used for reuse-window comparisons, for
// tests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:   log.WithField(trace.Component, gateway.Component(gateway.ComponentRegistry)),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions: make(map[string]*Session),
			byToken:  make(map[string]map[string]*Session),
			reuse:    make(map[string]*reuseEntry),
		}
	}
	return r
}

func (r *Registry) shardFor(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return r.shards[h.Sum32()%shardCount]
}

// ConnectFunc is C5's contribution to register(): given the claims, it
// resolves and dials the upstream target and returns the address that was
// actually connected. It must not be called while any shard lock is held.
type ConnectFunc func(ctx context.Context) (targetAddr string, err error)

// Register executes the critical section described in spec.md section 4.4:
// it stages a Pending record, enforces the reuse policy, and only if both
// succeed calls connect to establish the upstream leg, finalising the
// record as Active on success or rolling the reuse slot back on failure.
func (r *Registry) Register(ctx context.Context, claims *token.Claims, clientAddr, listenerURL string, connect ConnectFunc) (*Session, error) {
	fp := token.Fingerprint(claims.TokenID)
	isRDP := claims.IsRDP()
	isJMUX := claims.ContentType == gateway.ContentTypeJMUX
	skipTracking := claims.ContentType == gateway.ContentTypeNetscan

	sh := r.shardFor(fp)
	now := r.clock.Now()

	var deadline time.Time
	if claims.MaxLifetime > 0 {
		deadline = now.Add(claims.MaxLifetime)
	}

	sh.mu.Lock()
	if err := sh.admitReuse(fp, isRDP, isJMUX, skipTracking, now); err != nil {
		sh.mu.Unlock()
		metrics.ReuseRejections.Inc()
		r.log.WithFields(log.Fields{
			"token_fingerprint": fp,
			"jet_ap":            claims.ApplicationProtocol,
		}).Warn("Rejected session: token reuse policy violation.")
		return nil, err
	}

	sess := newSession(uuid.NewString(), fp, claims.TokenID, claims.ContentType, claims.ApplicationProtocol, clientAddr, listenerURL, deadline)
	sess.setState(StateConnecting)
	sh.sessions[sess.ID] = sess
	if sh.byToken[fp] == nil {
		sh.byToken[fp] = make(map[string]*Session)
	}
	sh.byToken[fp][sess.ID] = sess
	sh.mu.Unlock()

	r.logTransition(sess, StatePending, StateConnecting)

	targetAddr, err := connect(ctx)

	sh.mu.Lock()
	if err != nil {
		delete(sh.sessions, sess.ID)
		delete(sh.byToken[fp], sess.ID)
		if len(sh.byToken[fp]) == 0 {
			delete(sh.byToken, fp)
		}
		sh.rollbackReserve(fp, isRDP, isJMUX, skipTracking, r.clock.Now())
		sh.mu.Unlock()
		r.logTransition(sess, StateConnecting, StateGone)
		return nil, trace.Wrap(err)
	}

	sess.setTargetAddr(targetAddr)
	sess.setState(StateActive)
	sh.mu.Unlock()

	metrics.SessionsRegistered.Inc()
	r.logTransition(sess, StateConnecting, StateActive)
	return sess, nil
}

// Release tears down a session's reuse accounting and drops it from the
// indexes. It must be called exactly once, after the tunnel task that owns
// the session's I/O has fully stopped (spec.md section 3's record-lifetime
// invariant).
func (r *Registry) Release(sess *Session, outcome gateway.Outcome, cause string) {
	sess.MarkClosed(outcome, cause)

	sh := r.shardFor(sess.TokenFingerprint)
	sh.mu.Lock()
	delete(sh.sessions, sess.ID)
	if m := sh.byToken[sess.TokenFingerprint]; m != nil {
		delete(m, sess.ID)
		if len(m) == 0 {
			delete(sh.byToken, sess.TokenFingerprint)
		}
	}
	sh.releaseReuse(sess.TokenFingerprint, sess.ApplicationProtocol == gateway.ApplicationProtocolRDP, sess.ContentType == gateway.ContentTypeJMUX, false, r.clock.Now())
	sh.mu.Unlock()

	metrics.SessionsTerminated.WithLabelValues(string(outcome)).Inc()
	r.logTransition(sess, StateClosing, StateGone)
}

// List returns a point-in-time consistent snapshot of every session
// currently tracked, active or mid-teardown (testable property 3).
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			out = append(out, sess.snapshot())
		}
		sh.mu.Unlock()
	}
	return out
}

// Terminate signals forced termination on the named session's cancellation
// channel; the owning tunnel task observes it and runs the normal close
// path. It does not itself remove the session from the registry.
func (r *Registry) Terminate(id string) error {
	for _, sh := range r.shards {
		sh.mu.Lock()
		sess, ok := sh.sessions[id]
		sh.mu.Unlock()
		if ok {
			sess.ForceTerminate()
			return nil
		}
	}
	return trace.Wrap(ErrNotFound)
}

// GetByToken returns every live session registered under the given token
// fingerprint, used by the reuse logic's callers and by subscriber replay.
func (r *Registry) GetByToken(fingerprint string) []*Session {
	sh := r.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m := sh.byToken[fingerprint]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Get returns a single session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	for _, sh := range r.shards {
		sh.mu.Lock()
		sess, ok := sh.sessions[id]
		sh.mu.Unlock()
		if ok {
			return sess, true
		}
	}
	return nil, false
}

func (r *Registry) logTransition(sess *Session, from, to State) {
	r.log.WithFields(log.Fields{
		"session_id": sess.ID,
		"from":       from.String(),
		"to":         to.String(),
	}).Debug("Session state transition.")
}
