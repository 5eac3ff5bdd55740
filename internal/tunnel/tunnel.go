// Package tunnel implements the Gateway tunnel engine (spec.md section
// 4.6): the bidirectional byte pump with backpressure, TTL enforcement,
// cancellation and byte accounting that moves bytes between an authorised
// client and its resolved target. There is no idle (no-activity) timeout: a
// silent session stays open until its TTL, a forced terminate, or EOF.
package tunnel

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// Direction identifies which leg of a session a chunk of bytes travelled.
type Direction int

const (
	ClientToTarget Direction = iota
	TargetToClient
)

func (d Direction) String() string {
	if d == ClientToTarget {
		return "client->target"
	}
	return "target->client"
}

// Counters receives byte-count updates under the relaxed discipline
// described in spec.md section 3.
type Counters interface {
	AddBytesRx(n uint64)
	AddBytesTx(n uint64)
}

// Recorder persists bytes read from one direction before they are written
// to the opposite peer, so a recording is always a prefix of what actually
// reached the other side (spec.md section 4.6, point 4).
type Recorder interface {
	Record(dir Direction, p []byte) error
}

// halfCloser is implemented by connection types that support shutting down
// only the write half (plain TCP connections, TLS connections).
type halfCloser interface {
	CloseWrite() error
}

// Config configures an Engine.
type Config struct {
	// BufferSize is the per-direction pump buffer size.
	BufferSize int
	// CloseGrace is how long Run waits for the second direction to drain
	// after the first has finished, before forcing both sockets shut.
	CloseGrace time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.BufferSize == 0 {
		c.BufferSize = gateway.TunnelBufferSize
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = time.Duration(gateway.TunnelCloseGrace) * time.Second
	}
	return nil
}

// Engine runs the bidirectional pump for one session.
type Engine struct {
	cfg Config
	log log.FieldLogger
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg: cfg,
		log: log.WithField(trace.Component, gateway.Component(gateway.ComponentTunnel)),
	}, nil
}

// Result summarises how a tunnel run ended.
type Result struct {
	Outcome gateway.Outcome
	Cause   string
}

// RunOptions parameterise one session's pump.
type RunOptions struct {
	// Deadline is the session's absolute TTL deadline; zero means no TTL.
	Deadline time.Time
	// Terminated is closed to force the session closed, per the registry's
	// forced-terminate signal.
	Terminated <-chan struct{}
	// Counters receives byte updates; may be nil.
	Counters Counters
	// Recorder persists traffic; may be nil when recording is off.
	Recorder Recorder
	// RecordingStrict tears the session down on a recording write failure
	// instead of continuing unrecorded.
	RecordingStrict bool
}

// Run shuttles bytes between client and target until cancellation, TTL
// expiry, or both directions have reached EOF, honouring the half-close and
// grace-drain ordering from spec.md section 4.6, point 6.
func (e *Engine) Run(ctx context.Context, client, target net.Conn, opts RunOptions) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ttlFired, forced atomic.Bool

	if !opts.Deadline.IsZero() {
		timer := time.AfterFunc(time.Until(opts.Deadline), func() {
			ttlFired.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	if opts.Terminated != nil {
		go func() {
			select {
			case <-opts.Terminated:
				forced.Store(true)
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	// Unblock any in-flight Read once the run context ends; this is the
	// only way to interrupt a blocking socket read in Go without a deadline
	// loop.
	closeOnCancel := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			client.Close()
			target.Close()
		case <-closeOnCancel:
		}
	}()
	defer close(closeOnCancel)

	var recordingDisabled atomic.Bool
	var policyTriggered atomic.Bool

	recordFn := func(dir Direction, p []byte) {
		if opts.Recorder == nil || recordingDisabled.Load() {
			return
		}
		if err := opts.Recorder.Record(dir, p); err != nil {
			if opts.RecordingStrict {
				if policyTriggered.CompareAndSwap(false, true) {
					e.log.WithError(err).Error("Recording sink failed under strict policy, tearing session down.")
					cancel()
				}
				return
			}
			if recordingDisabled.CompareAndSwap(false, true) {
				e.log.WithError(err).Warn("Recording sink failed, continuing session without recording.")
			}
		}
	}

	type dirResult struct {
		dir Direction
		err error
	}
	results := make(chan dirResult, 2)

	go func() {
		buf := make([]byte, e.cfg.BufferSize)
		err := pump(client, target, buf, ClientToTarget, recordFn, func(n int) {
			if opts.Counters != nil {
				opts.Counters.AddBytesRx(uint64(n))
			}
		})
		results <- dirResult{ClientToTarget, err}
	}()

	go func() {
		buf := make([]byte, e.cfg.BufferSize)
		err := pump(target, client, buf, TargetToClient, recordFn, func(n int) {
			if opts.Counters != nil {
				opts.Counters.AddBytesTx(uint64(n))
			}
		})
		results <- dirResult{TargetToClient, err}
	}()

	first := <-results
	if first.err != nil && first.err != io.EOF {
		e.log.WithError(first.err).WithField("direction", first.dir.String()).Debug("Direction ended with error.")
	}

	// Half-close the opposite peer's write side so it can flush any
	// in-flight reply, then wait a short grace for the other direction.
	switch first.dir {
	case ClientToTarget:
		halfClose(target)
	case TargetToClient:
		halfClose(client)
	}

	select {
	case <-results:
	case <-time.After(e.cfg.CloseGrace):
	}

	client.Close()
	target.Close()

	return classify(ttlFired.Load(), forced.Load(), policyTriggered.Load(), first.err)
}

func classify(ttlFired, forced, policyTriggered bool, firstErr error) Result {
	switch {
	case policyTriggered:
		return Result{Outcome: gateway.OutcomePolicy, Cause: "recording-strict"}
	case forced:
		return Result{Outcome: gateway.OutcomeTerminated, Cause: "forced-terminate"}
	case ttlFired:
		return Result{Outcome: gateway.OutcomeTimeout, Cause: "ttl-expired"}
	case firstErr != nil && firstErr != io.EOF:
		return Result{Outcome: gateway.OutcomeError, Cause: firstErr.Error()}
	default:
		return Result{Outcome: gateway.OutcomeSuccess}
	}
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// pump copies from src to dst using buf, feeding record with each chunk
// before it reaches dst, and invoking onBytes after a successful write. It
// returns nil on clean EOF.
func pump(src, dst net.Conn, buf []byte, dir Direction, record func(Direction, []byte), onBytes func(int)) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			record(dir, chunk)
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
			onBytes(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
