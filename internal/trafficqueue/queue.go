// Package trafficqueue implements the Gateway's traffic event queue
// (spec.md section 3, "Traffic event queue", and section 6's
// /traffic/claim and /traffic/ack routes): a durable-shaped, bounded,
// ULID-ordered queue of session lifecycle events with a lease-based
// claim/acknowledge protocol for an external consumer.
//
// The queue here is in-memory only. The teacher's go.mod carries
// go.etcd.io/bbolt as an indirect dependency, but nothing in the retrieved
// pack calls it directly, so there is no grounded usage to model a
// durable-to-disk implementation on; see DESIGN.md.
package trafficqueue

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// EventKind classifies a queued traffic event.
type EventKind string

const (
	EventOpen      EventKind = "open"
	EventClose     EventKind = "close"
	EventHeartbeat EventKind = "heartbeat"
)

// Record is the traffic event record wire shape from spec.md section 6.
type Record struct {
	SessionID        string          `json:"session_id"`
	Protocol         string          `json:"protocol"`
	TargetHost       string          `json:"target_host,omitempty"`
	TargetIP         string          `json:"target_ip,omitempty"`
	TargetPort       uint16          `json:"target_port,omitempty"`
	ConnectAtMs      int64           `json:"connect_at_ms,omitempty"`
	DisconnectAtMs   int64           `json:"disconnect_at_ms,omitempty"`
	ActiveDurationMs int64           `json:"active_duration_ms,omitempty"`
	BytesRx          uint64          `json:"bytes_rx,omitempty"`
	BytesTx          uint64          `json:"bytes_tx,omitempty"`
	Outcome          gateway.Outcome `json:"outcome,omitempty"`
}

// Event is one queued item: a kind tag plus its record, keyed by a ULID
// that also orders claims.
type Event struct {
	ID     ulid.ULID
	Kind   EventKind
	Record Record
}

// Config configures a Queue.
type Config struct {
	// Capacity bounds how many not-yet-acknowledged events the queue
	// holds; the oldest unleased event is dropped to make room for a new
	// one past this bound.
	Capacity int
	// MaxAge drops events older than this, counted in DroppedCount, per
	// spec.md section 4.9.
	MaxAge time.Duration
	// Clock is used for ULID timestamps and lease/age expiry.
	Clock clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type entry struct {
	event      Event
	enqueuedAt time.Time
	leaseUntil time.Time // zero means not currently leased
}

// Queue is a bounded, ULID-ordered, lease-based event queue.
type Queue struct {
	mu   sync.Mutex
	cfg  Config
	cap  int
	maxAge time.Duration

	// byID holds every not-yet-acknowledged event. ready holds the IDs of
	// events that are not currently leased, kept sorted by ULID (which
	// sorts by creation time, then entropy) so claims hand out the oldest
	// event first, per spec.md's "claim ordering is stable" requirement.
	byID  map[ulid.ULID]*entry
	ready []ulid.ULID

	dropped uint64
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:    cfg,
		cap:    cfg.Capacity,
		maxAge: cfg.MaxAge,
		byID:   make(map[ulid.ULID]*entry),
	}, nil
}

// Enqueue appends a new event, assigning it a fresh ULID. If the queue is
// at capacity, the oldest unleased event is dropped to make room.
func (q *Queue) Enqueue(kind EventKind, rec Record) (ulid.ULID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now()
	q.sweepExpiredLeasesLocked(now)
	q.sweepStaleLocked(now)

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.ULID{}, trace.Wrap(err)
	}

	if len(q.byID) >= q.cap {
		q.dropOldestUnleasedLocked()
	}

	ev := Event{ID: id, Kind: kind, Record: rec}
	q.byID[id] = &entry{event: ev, enqueuedAt: now}
	q.insertReadyLocked(id)
	return id, nil
}

// Claim hands out up to n not-currently-leased events, oldest first, and
// leases them for the given duration. A claimed event is not visible to
// another Claim call until its lease expires or it is acknowledged.
func (q *Queue) Claim(n int, lease time.Duration) ([]Event, error) {
	if n <= 0 {
		return nil, trace.BadParameter("claim batch size must be positive")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now()
	q.sweepExpiredLeasesLocked(now)
	q.sweepStaleLocked(now)

	if n > len(q.ready) {
		n = len(q.ready)
	}
	claimed := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		id := q.ready[i]
		e := q.byID[id]
		e.leaseUntil = now.Add(lease)
		claimed = append(claimed, e.event)
	}
	q.ready = q.ready[n:]
	return claimed, nil
}

// Ack permanently removes acknowledged events. Unknown or already-acked IDs
// are ignored, making Ack idempotent under retry.
func (q *Queue) Ack(ids []ulid.ULID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked := 0
	for _, id := range ids {
		if e, ok := q.byID[id]; ok {
			if e.leaseUntil.IsZero() {
				i := sort.Search(len(q.ready), func(i int) bool {
					return q.ready[i].Compare(id) >= 0
				})
				if i < len(q.ready) && q.ready[i] == id {
					q.ready = append(q.ready[:i], q.ready[i+1:]...)
				}
			}
			delete(q.byID, id)
			acked++
		}
	}
	return acked
}

// DroppedCount returns how many events have been discarded for exceeding
// capacity or max age.
func (q *Queue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports how many events are queued (leased or not), for diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

func (q *Queue) insertReadyLocked(id ulid.ULID) {
	i := sort.Search(len(q.ready), func(i int) bool {
		return q.ready[i].Compare(id) >= 0
	})
	q.ready = append(q.ready, ulid.ULID{})
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = id
}

func (q *Queue) sweepExpiredLeasesLocked(now time.Time) {
	for id, e := range q.byID {
		if !e.leaseUntil.IsZero() && !now.Before(e.leaseUntil) {
			e.leaseUntil = time.Time{}
			q.insertReadyLocked(id)
		}
	}
}

func (q *Queue) sweepStaleLocked(now time.Time) {
	if len(q.ready) == 0 {
		return
	}
	kept := q.ready[:0]
	for _, id := range q.ready {
		e := q.byID[id]
		if now.Sub(e.enqueuedAt) > q.maxAge {
			delete(q.byID, id)
			q.dropped++
			continue
		}
		kept = append(kept, id)
	}
	q.ready = kept
}

func (q *Queue) dropOldestUnleasedLocked() {
	if len(q.ready) == 0 {
		// Every event is currently leased; there is nothing safe to drop
		// without breaking at-least-once delivery for an in-flight claim.
		return
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	delete(q.byID, id)
	q.dropped++
}
