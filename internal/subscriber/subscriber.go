// Package subscriber implements the Gateway's subscriber notifier (spec.md
// section 4.9): it drains the traffic event queue and POSTs events to a
// configured HTTP endpoint with bearer-token auth, exponential backoff, and
// at-least-once delivery.
package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/oklog/ulid"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
)

// Config configures a Notifier.
type Config struct {
	// URL is the subscriber's event-ingest endpoint.
	URL string
	// BearerToken authenticates the POST per spec.md section 4.9.
	BearerToken string
	// ClaimBatch bounds how many events are claimed per poll.
	ClaimBatch int
	// ClaimInterval paces how often the queue is polled when it was last
	// found empty.
	ClaimInterval time.Duration
	// Lease is how long a claimed batch stays invisible to other claimants
	// while delivery is attempted.
	Lease time.Duration
	// MaxElapsedTime bounds the exponential backoff applied to a single
	// batch's delivery attempts before it is abandoned for this poll (the
	// lease then expires and the queue makes it claimable again).
	MaxElapsedTime time.Duration
	// HTTPClient performs the POST; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing subscriber URL")
	}
	if c.ClaimBatch == 0 {
		c.ClaimBatch = 100
	}
	if c.ClaimInterval == 0 {
		c.ClaimInterval = time.Second
	}
	if c.Lease == 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// Notifier drains a trafficqueue.Queue and delivers events to the
// subscriber.
type Notifier struct {
	cfg   Config
	queue *trafficqueue.Queue
	log   log.FieldLogger
}

// New constructs a Notifier.
func New(cfg Config, queue *trafficqueue.Queue) (*Notifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Notifier{
		cfg:   cfg,
		queue: queue,
		log:   log.WithField(trace.Component, gateway.Component(gateway.ComponentSubscriber)),
	}, nil
}

// wireEvent is what actually goes over the wire: the event kind alongside
// its record.
type wireEvent struct {
	ID     string                  `json:"id"`
	Kind   trafficqueue.EventKind  `json:"kind"`
	Record trafficqueue.Record     `json:"record"`
}

// Name identifies this component to internal/supervisor.
func (n *Notifier) Name() string { return "subscriber" }

// Run polls the queue until ctx is cancelled, delivering claimed batches
// and acknowledging only what the subscriber confirmed. Implements
// internal/supervisor.Component.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.pollOnce(ctx)
		}
	}
}

func (n *Notifier) pollOnce(ctx context.Context) {
	events, err := n.queue.Claim(n.cfg.ClaimBatch, n.cfg.Lease)
	if err != nil {
		n.log.WithError(err).Warn("Failed to claim traffic events.")
		return
	}
	if len(events) == 0 {
		return
	}

	if err := n.deliverWithRetry(ctx, events); err != nil {
		n.log.WithError(err).WithField("count", len(events)).Warn("Subscriber delivery failed, events remain queued for retry.")
		return
	}

	ids := make([]ulid.ULID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	n.queue.Ack(ids)
}

func (n *Notifier) deliverWithRetry(ctx context.Context, events []trafficqueue.Event) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = n.cfg.MaxElapsedTime
	bctx := backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		return n.post(ctx, events)
	}, bctx)
}

func (n *Notifier) post(ctx context.Context, events []trafficqueue.Event) error {
	wire := make([]wireEvent, len(events))
	for i, e := range events {
		wire[i] = wireEvent{ID: e.ID.String(), Kind: e.Kind, Record: e.Record}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return backoff.Permanent(trace.Wrap(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(trace.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.BearerToken)
	}

	resp, err := n.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return trace.Wrap(trace.ConnectionProblem(nil, "subscriber returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(trace.Wrap(trace.BadParameter("subscriber rejected event batch with status %d", resp.StatusCode)))
	}
	return nil
}
