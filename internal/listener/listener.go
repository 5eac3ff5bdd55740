// Package listener implements the Gateway's listener pool (spec.md section
// 4.1): one accept loop per configured entry, wrapping the raw net.Listener
// per scheme (plain TCP, TLS, WS, WSS; HTTP is bound like TCP and HTTPS like
// TLS, and their connections go to the same Accepted channel), with
// exponential-backoff retry on transient accept failures and
// a per-entry health threshold so one bad listener doesn't take down the
// others.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

// Accepted pairs an accepted connection with the listener entry it arrived
// on, so downstream components can render the session's external-facing
// URL (spec.md section 3's Listener session-record field) without needing
// to thread the whole config.Snapshot around.
type Accepted struct {
	Conn  net.Conn
	Entry config.ListenerEntry

	// Token is the session token carried by the connection's own transport
	// handshake, when that handshake exposes one before the dispatch layer
	// gets a chance to sniff the stream: the "token" query parameter on a
	// WS/WSS upgrade request, matching the real Gateway's
	// wss://host/jet/<protocol>?token=... convention. Empty for plain
	// TCP/TLS entries, where the token instead arrives inline as a
	// preconnection PDU the sniffer extracts (internal/sniffer).
	Token string
}

// CertificateSource supplies the TLS certificate a listener presents.
// File-backed sourcing is implemented directly; the OS certificate store
// (Windows only) is a named interface with no non-Windows implementation —
// spec.md's Open Question on certificate sourcing is resolved in favor of
// keeping the store itself out of scope, matching the Non-goals around
// platform-specific packaging.
type CertificateSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// FileCertificateSource loads a fixed certificate/key pair from disk once,
// at construction time.
type FileCertificateSource struct {
	cert tls.Certificate
}

// NewFileCertificateSource loads the PEM-encoded cert/key pair at certFile
// and keyFile.
func NewFileCertificateSource(certFile, keyFile string) (*FileCertificateSource, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, trace.Wrap(err, "loading listener certificate")
	}
	return &FileCertificateSource{cert: cert}, nil
}

func (f *FileCertificateSource) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return &f.cert, nil
}

// Config configures a Pool.
type Config struct {
	// Certificates resolves the certificate for any TLS-terminating entry
	// (SchemeTLS, SchemeWSS, SchemeHTTPS) that doesn't carry its own
	// CertFile/KeyFile. Config validation requires TLS and WSS entries to
	// carry their own, so in practice this serves HTTPS entries.
	Certificates CertificateSource
	// BackoffCap bounds exponential backoff between accept retries on
	// transient errors. Defaults to gateway.ListenerBackoffCapSeconds.
	BackoffCap time.Duration
	// UnhealthyThreshold is how many consecutive transient accept failures
	// mark an entry unhealthy (it keeps retrying, but Health() reports it
	// down; other entries are unaffected).
	UnhealthyThreshold int
}

func (c *Config) CheckAndSetDefaults() error {
	if c.BackoffCap == 0 {
		c.BackoffCap = gateway.ListenerBackoffCapSeconds * time.Second
	}
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = 5
	}
	return nil
}

// entryState tracks one running listener entry.
type entryState struct {
	entry     config.ListenerEntry
	raw       net.Listener
	unhealthy atomic.Bool
	failures  atomic.Int32
}

// Pool runs one accept loop per config.ListenerEntry and funnels accepted
// connections onto a single channel for the dispatch pipeline to consume.
type Pool struct {
	cfg    Config
	log    log.FieldLogger
	accept chan Accepted

	mu      sync.Mutex
	entries map[string]*entryState // keyed by BindAddr
}

// New constructs a Pool. Call Reload to actually open listeners; Run does
// not open any.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:     cfg,
		log:     log.WithField(trace.Component, gateway.Component(gateway.ComponentListener)),
		accept:  make(chan Accepted, 64),
		entries: make(map[string]*entryState),
	}, nil
}

// Accepted returns the channel every accepted connection is delivered on.
func (p *Pool) Accepted() <-chan Accepted {
	return p.accept
}

// Name identifies this component to internal/supervisor.
func (p *Pool) Name() string { return "listener" }

// Run blocks until ctx is cancelled, implementing
// internal/supervisor.Component. Listener entries are opened by Reload,
// which the supervisor calls once with the initial snapshot before Run's
// errgroup starts and again on every subsequent configuration change.
func (p *Pool) Run(ctx context.Context) error {
	<-ctx.Done()
	p.closeAll()
	return nil
}

// Reload diff-applies snapshot's listener entries against what's currently
// running: entries present in both and unchanged are left alone (in-flight
// sessions on them are undisturbed), removed entries are closed, and
// added/changed entries are (re)opened. Implements
// internal/supervisor.Reloadable.
func (p *Pool) Reload(ctx context.Context, snapshot *config.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := make(map[string]config.ListenerEntry, len(snapshot.Listeners))
	for _, e := range snapshot.Listeners {
		wanted[e.BindAddr] = e
	}

	for addr, st := range p.entries {
		if _, stillWanted := wanted[addr]; !stillWanted {
			st.raw.Close()
			delete(p.entries, addr)
		}
	}

	for addr, entry := range wanted {
		st, running := p.entries[addr]
		if running && st.entry == entry {
			continue
		}
		if running {
			st.raw.Close()
			delete(p.entries, addr)
		}
		if err := p.openLocked(ctx, entry); err != nil {
			return trace.Wrap(err, "opening listener %q", addr)
		}
	}
	return nil
}

func (p *Pool) openLocked(ctx context.Context, entry config.ListenerEntry) error {
	raw, err := p.bind(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	st := &entryState{entry: entry, raw: raw}
	p.entries[entry.BindAddr] = st
	go p.acceptLoop(ctx, st)
	return nil
}

func (p *Pool) bind(entry config.ListenerEntry) (net.Listener, error) {
	switch entry.Scheme {
	case config.SchemeTCP, config.SchemeWS, config.SchemeHTTP:
		return net.Listen("tcp", entry.BindAddr)
	case config.SchemeTLS, config.SchemeWSS, config.SchemeHTTPS:
		tlsCfg, err := p.tlsConfig(entry)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return tls.Listen("tcp", entry.BindAddr, tlsCfg)
	default:
		return nil, trace.BadParameter("unsupported listener scheme %q", entry.Scheme)
	}
}

func (p *Pool) tlsConfig(entry config.ListenerEntry) (*tls.Config, error) {
	if entry.CertFile != "" && entry.KeyFile != "" {
		src, err := NewFileCertificateSource(entry.CertFile, entry.KeyFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &tls.Config{GetCertificate: src.GetCertificate}, nil
	}
	if p.cfg.Certificates == nil {
		return nil, trace.BadParameter("listener %q requires TLS but no certificate source is configured", entry.BindAddr)
	}
	return &tls.Config{GetCertificate: p.cfg.Certificates.GetCertificate}, nil
}

// acceptLoop accepts raw connections and, for WS/WSS entries, performs the
// HTTP upgrade inline before handing the resulting stream off. Transient
// accept errors are retried with exponential backoff capped at
// p.cfg.BackoffCap, mirroring
// zmb3-teleport/lib/multiplexer.TLSListener.Serve's retry-with-sleep loop
// on non-fatal accept errors.
func (p *Pool) acceptLoop(ctx context.Context, st *entryState) {
	backoff := 100 * time.Millisecond
	for {
		conn, err := st.raw.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			n := st.failures.Add(1)
			if int(n) >= p.cfg.UnhealthyThreshold {
				st.unhealthy.Store(true)
			}
			p.log.WithError(err).WithField("bind_addr", st.entry.BindAddr).Warn("Transient accept failure, retrying.")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.cfg.BackoffCap {
				backoff = p.cfg.BackoffCap
			}
			continue
		}

		st.failures.Store(0)
		st.unhealthy.Store(false)
		backoff = 100 * time.Millisecond

		switch st.entry.Scheme {
		case config.SchemeWS, config.SchemeWSS:
			go p.upgradeWebsocket(ctx, st, conn)
		default:
			p.deliver(ctx, Accepted{Conn: conn, Entry: st.entry})
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  gateway.TunnelBufferSize,
	WriteBufferSize: gateway.TunnelBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// upgradeWebsocket performs the HTTP/WS upgrade handshake and hands the
// resulting framed stream off as a net.Conn via (*websocket.Conn).NetConn,
// so the rest of the pipeline (sniffer, tunnel engine) never needs to know
// the connection arrived over WS.
func (p *Pool) upgradeWebsocket(ctx context.Context, st *entryState, raw net.Conn) {
	srv := &http.Server{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.WithError(err).Debug("WebSocket upgrade failed.")
			return
		}
		p.deliver(ctx, Accepted{Conn: ws.NetConn(), Entry: st.entry, Token: r.URL.Query().Get("token")})
	})
	srv.Handler = handler
	_ = srv.Serve(&singleConnListener{conn: raw})
}

func (p *Pool) deliver(ctx context.Context, a Accepted) {
	select {
	case p.accept <- a:
	case <-ctx.Done():
		a.Conn.Close()
	}
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, st := range p.entries {
		st.raw.Close()
		delete(p.entries, addr)
	}
}

// Health reports, per bind address, whether the entry is healthy: false once
// it has reached Config.UnhealthyThreshold consecutive accept failures, true
// again after its next successful accept.
func (p *Pool) Health() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.entries))
	for addr, st := range p.entries {
		out[addr] = !st.unhealthy.Load()
	}
	return out
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener that yields it exactly once, so http.Server.Serve can run
// the WS upgrade handshake over a connection the pool itself accepted.
type singleConnListener struct {
	conn   net.Conn
	served atomic.Bool
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.served.Swap(true) {
		return nil, net.ErrClosed
	}
	return s.conn, nil
}

func (s *singleConnListener) Close() error   { return nil }
func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }
