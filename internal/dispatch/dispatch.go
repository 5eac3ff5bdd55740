// Package dispatch wires C1-C8 together into the per-connection pipeline
// spec.md section 2 describes: sniff, authenticate, register, connect, pump.
// It is grounded on zmb3-teleport/lib/multiplexer.TLSListener's
// detectAndForward idiom (one goroutine per accepted connection, classify
// then hand off to the matching handler) rather than on lib/service, which
// owns process bootstrap rather than the protocol pipeline itself.
package dispatch

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/connector"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/jmux"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/listener"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/metrics"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/recording"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/registry"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/sniffer"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/tunnel"
)

// Config configures a Dispatcher.
type Config struct {
	Listener  *listener.Pool
	Verifier  *token.Verifier
	Registry  *registry.Registry
	Connector *connector.Connector
	Tunnel    *tunnel.Engine

	// Recording is optional; sessions are never recorded when nil,
	// regardless of the token's recording policy.
	Recording *recording.Store
	// Traffic is optional; session-open/close/heartbeat events are only
	// published when it is set.
	Traffic *trafficqueue.Queue
	// Certificates resolves the server certificate for a connection that
	// arrives on a plain TCP entry but turns out to speak TLS (spec.md
	// section 4.2's "TLS ... triggers TLS acceptance then re-sniff").
	// Dedicated SchemeTLS/SchemeWSS entries already terminate TLS inside
	// internal/listener and never reach this path. Optional; such
	// connections are refused when nil.
	Certificates listener.CertificateSource

	JMUX jmux.Config

	// HeartbeatInterval paces how often a heartbeat event is published per
	// active session.
	HeartbeatInterval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing Listener")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing Verifier")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Connector == nil {
		return trace.BadParameter("missing Connector")
	}
	if c.Tunnel == nil {
		return trace.BadParameter("missing Tunnel")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if err := c.JMUX.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Dispatcher consumes accepted connections from a listener.Pool and drives
// each through classification, authorisation, registration, upstream
// connect and the tunnel pump.
type Dispatcher struct {
	cfg Config
	log log.FieldLogger
}

// New constructs a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg: cfg,
		log: log.WithField(trace.Component, gateway.Component("dispatch")),
	}, nil
}

// Name identifies this component to internal/supervisor.
func (d *Dispatcher) Name() string { return "dispatch" }

// Run consumes d.cfg.Listener.Accepted() until ctx is cancelled, spawning
// one goroutine per connection. Implements internal/supervisor.Component.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.Traffic != nil {
		go d.heartbeatLoop(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-d.cfg.Listener.Accepted():
			if !ok {
				return nil
			}
			go d.handleConnection(ctx, a)
		}
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sn := range d.cfg.Registry.List() {
				if sn.State != registry.StateActive {
					continue
				}
				_, err := d.cfg.Traffic.Enqueue(trafficqueue.EventHeartbeat, trafficqueue.Record{
					SessionID:  sn.ID,
					Protocol:   string(sn.ApplicationProtocol),
					TargetHost: sn.TargetAddr,
					BytesRx:    sn.BytesRx,
					BytesTx:    sn.BytesTx,
				})
				if err != nil {
					d.log.WithError(err).WithField("session_id", sn.ID).Warn("Failed to enqueue heartbeat event.")
				}
			}
		}
	}
}

// handleConnection classifies a, resolves its session token, and routes to
// either the JMUX or the direct tunnel path. Mirrors
// TLSListener.detectAndForward's one-shot classify-then-forward shape,
// generalised to the Gateway's richer set of preambles.
func (d *Dispatcher) handleConnection(ctx context.Context, a listener.Accepted) {
	conn := a.Conn
	br := bufio.NewReaderSize(conn, gateway.SniffPreambleSize)

	result, err := sniffer.Sniff(br)
	if err != nil {
		d.log.WithError(err).Debug("Failed to read preamble, closing connection.")
		conn.Close()
		return
	}

	rawToken := a.Token
	kind := result.Kind

	if kind == sniffer.KindRDPPreconnection {
		if result.AssociationToken != "" && rawToken == "" {
			rawToken = result.AssociationToken
		}
		if err := discard(br, result.PreambleLen); err != nil {
			d.log.WithError(err).Debug("Failed to consume preconnection PDU, closing connection.")
			conn.Close()
			return
		}
		result, err = sniffer.Sniff(br)
		if err != nil {
			conn.Close()
			return
		}
		kind = result.Kind
	}

	if kind == sniffer.KindTLS {
		conn, br, kind = d.terminateInlineTLS(conn, br)
		if conn == nil {
			return
		}
	}

	if kind == sniffer.KindWebSocketUpgrade {
		// An inline HTTP upgrade on a plain TCP/TLS entry. The Gateway's
		// dedicated ws/wss listener entries already perform this upgrade
		// inside internal/listener before a connection ever reaches here;
		// a bare TCP entry carrying one is not a configuration this engine
		// supports.
		d.log.Debug("Rejecting inline WebSocket upgrade on a non-WS listener entry.")
		conn.Close()
		return
	}

	clientConn := net.Conn(bufferedConn{Reader: br, Conn: conn})

	if kind == sniffer.KindJMUX {
		d.handleJMUX(ctx, clientConn, a, rawToken)
		return
	}

	d.handleDirect(ctx, clientConn, a, rawToken, kind)
}

// terminateInlineTLS performs a server-side TLS handshake over a connection
// the sniffer classified as TLS despite arriving on a plain TCP entry, then
// re-sniffs the decrypted stream, per spec.md section 4.2. Returns a nil
// conn if the handshake could not be attempted or failed; the caller must
// not use any of the other return values in that case.
func (d *Dispatcher) terminateInlineTLS(conn net.Conn, br *bufio.Reader) (net.Conn, *bufio.Reader, sniffer.Kind) {
	if d.cfg.Certificates == nil {
		d.log.Debug("Rejecting inline TLS on a listener entry with no certificate source configured.")
		conn.Close()
		return nil, nil, sniffer.KindUnknown
	}

	tlsConn := tls.Server(bufferedConn{Reader: br, Conn: conn}, &tls.Config{
		GetCertificate: d.cfg.Certificates.GetCertificate,
	})
	if err := tlsConn.Handshake(); err != nil {
		d.log.WithError(err).Debug("Inline TLS handshake failed.")
		tlsConn.Close()
		return nil, nil, sniffer.KindUnknown
	}

	inner := bufio.NewReaderSize(tlsConn, gateway.SniffPreambleSize)
	result, err := sniffer.Sniff(inner)
	if err != nil {
		tlsConn.Close()
		return nil, nil, sniffer.KindUnknown
	}
	return tlsConn, inner, result.Kind
}

// handleJMUX authorises the transport-level token, then demultiplexes one
// JMUX channel per destination the client opens, each becoming its own
// tunnel session registered under the same transport token; the registry
// shares one reuse entry across all of them but never rejects a sibling
// channel on it (spec.md section 4.7).
func (d *Dispatcher) handleJMUX(ctx context.Context, conn net.Conn, a listener.Accepted, rawToken string) {
	if rawToken == "" {
		conn.Close()
		return
	}
	claims, err := d.cfg.Verifier.Verify(rawToken, gateway.ContentTypeJMUX)
	if err != nil {
		d.log.WithError(err).Debug("Rejecting JMUX transport: token verification failed.")
		conn.Close()
		return
	}

	mux, err := jmux.Accept(conn, d.cfg.JMUX)
	if err != nil {
		d.log.WithError(err).Debug("Rejecting JMUX transport: bad JMUX framing.")
		conn.Close()
		return
	}
	defer mux.Close()

	authz := jmux.NewClaimsAuthorizer(jmuxDestinations(claims))

	for {
		ch, err := mux.Next(ctx, authz)
		if err != nil {
			return
		}
		go d.runSession(ctx, ch.Conn, claims, a, []token.Destination{ch.Destination})
	}
}

// handleDirect authorises and runs a single non-multiplexed tunnel session.
func (d *Dispatcher) handleDirect(ctx context.Context, conn net.Conn, a listener.Accepted, rawToken string, kind sniffer.Kind) {
	if rawToken == "" {
		conn.Close()
		return
	}
	claims, err := d.cfg.Verifier.Verify(rawToken, gateway.ContentTypeAssociation)
	if err != nil {
		d.log.WithError(err).Debug("Rejecting connection: token verification failed.")
		conn.Close()
		return
	}
	if kind == sniffer.KindUnknown && !permitsRawRelay(claims.ApplicationProtocol) {
		d.log.WithField("application_protocol", claims.ApplicationProtocol).
			Debug("Rejecting unclassified connection: token does not permit raw relay.")
		conn.Close()
		return
	}

	d.runSession(ctx, conn, claims, a, claims.AllDestinations())
}

// runSession executes the shared register -> connect -> pump -> release
// sequence for one tunnel, whether it came from a direct connection or a
// JMUX channel.
func (d *Dispatcher) runSession(ctx context.Context, clientConn net.Conn, claims *token.Claims, a listener.Accepted, destinations []token.Destination) {
	var upstream net.Conn
	connectFn := func(cctx context.Context) (string, error) {
		conn, addr, err := d.cfg.Connector.Connect(cctx, destinations, nil)
		if err != nil {
			return "", err
		}
		upstream = conn
		return addr, nil
	}

	sess, err := d.cfg.Registry.Register(ctx, claims, clientConn.RemoteAddr().String(), a.Entry.ExternalURL, connectFn)
	if err != nil {
		d.log.WithError(err).Debug("Rejecting connection: registration failed.")
		clientConn.Close()
		if upstream != nil {
			upstream.Close()
		}
		return
	}
	defer upstream.Close()
	defer clientConn.Close()

	d.publishOpen(sess, claims)

	var recorder tunnel.Recorder
	var sink *recording.Sink
	if d.cfg.Recording != nil && claims.RecordingPolicy != gateway.RecordingPolicyNone {
		shouldRecord, admitErr := d.cfg.Recording.Admit(sess.ID)
		if admitErr != nil {
			d.cfg.Registry.Release(sess, gateway.OutcomePolicy, "recording-admission-refused")
			d.publishClose(sess, tunnel.Result{Outcome: gateway.OutcomePolicy, Cause: "recording-admission-refused"})
			return
		}
		if shouldRecord {
			sink, err = d.cfg.Recording.Open(sess.ID, claims.RecordingPolicy, nil)
			if err != nil {
				d.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to open recording sink, continuing unrecorded.")
			} else {
				recorder = sink
			}
		}
	}

	result := d.cfg.Tunnel.Run(ctx, clientConn, upstream, tunnel.RunOptions{
		Deadline:        sess.Deadline,
		Terminated:      sess.Done(),
		Counters:        sessionCounters{sess},
		Recorder:        recorder,
		RecordingStrict: claims.RecordingPolicy == gateway.RecordingPolicyStrict,
	})

	if sink != nil {
		if err := sink.Close(); err != nil {
			d.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to close recording sink.")
		}
	}

	d.cfg.Registry.Release(sess, result.Outcome, result.Cause)
	d.publishClose(sess, result)
}

func (d *Dispatcher) publishOpen(sess *registry.Session, claims *token.Claims) {
	sess.MarkOpenAcked()
	if d.cfg.Traffic == nil {
		return
	}
	_, err := d.cfg.Traffic.Enqueue(trafficqueue.EventOpen, trafficqueue.Record{
		SessionID:   sess.ID,
		Protocol:    string(claims.ApplicationProtocol),
		TargetHost:  claims.Destination.Host,
		TargetPort:  claims.Destination.Port,
		ConnectAtMs: sess.StartedAt.UnixMilli(),
	})
	if err != nil {
		d.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to enqueue session-open event.")
	}
}

func (d *Dispatcher) publishClose(sess *registry.Session, result tunnel.Result) {
	if d.cfg.Traffic == nil {
		return
	}
	if !sess.OpenAcked() {
		// Defensive: the ordering invariant (spec.md section 5) requires the
		// open event ahead of the close event; publishOpen always runs
		// first on every path that reaches here.
		d.log.WithField("session_id", sess.ID).Warn("Publishing close event for a session with no recorded open event.")
	}
	closedAt, _ := sess.ClosedAt()
	_, err := d.cfg.Traffic.Enqueue(trafficqueue.EventClose, trafficqueue.Record{
		SessionID:        sess.ID,
		Protocol:         string(sess.ApplicationProtocol),
		TargetHost:       sess.TargetAddr(),
		DisconnectAtMs:   closedAt.UnixMilli(),
		ActiveDurationMs: closedAt.Sub(sess.StartedAt).Milliseconds(),
		BytesRx:          sess.BytesRx(),
		BytesTx:          sess.BytesTx(),
		Outcome:          result.Outcome,
	})
	if err != nil {
		d.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to enqueue session-close event.")
	}
}

// sessionCounters adapts a *registry.Session to tunnel.Counters while also
// feeding the process-wide Prometheus throughput counters, so a session's
// own byte counts (used by listing) and the aggregate metric (used by
// dashboards) are always updated together.
type sessionCounters struct {
	sess *registry.Session
}

func (c sessionCounters) AddBytesRx(n uint64) {
	c.sess.AddBytesRx(n)
	metrics.TunnelCounters{}.AddBytesRx(n)
}

func (c sessionCounters) AddBytesTx(n uint64) {
	c.sess.AddBytesTx(n)
	metrics.TunnelCounters{}.AddBytesTx(n)
}

// permitsRawRelay reports whether ap is specific enough to justify relaying
// bytes the sniffer could not classify, per spec.md section 4.2's fallback
// rule.
func permitsRawRelay(ap gateway.ApplicationProtocol) bool {
	return ap != "" && ap != gateway.ApplicationProtocolUnknown
}

// jmuxDestinations expands a JMUX token's wildcardable host list into
// token.Destination patterns sharing the token's fixed port.
func jmuxDestinations(claims *token.Claims) []token.Destination {
	out := make([]token.Destination, 0, len(claims.JMUXDestinations))
	for _, host := range claims.JMUXDestinations {
		out = append(out, token.Destination{Host: host, Port: claims.JMUXPort})
	}
	return out
}

// discard consumes and throws away exactly n bytes from r.
func discard(r *bufio.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := r.Discard(n)
	return trace.Wrap(err)
}

// bufferedConn reattaches a bufio.Reader's buffered-but-unconsumed preamble
// bytes to the net.Conn they were peeked from, so a later stage of the
// pipeline sees one continuous stream instead of having to special-case the
// bytes the sniffer already looked at.
type bufferedConn struct {
	*bufio.Reader
	net.Conn
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.Reader.Read(p) }
