// Package connector implements the Gateway target resolver & connector
// (spec.md section 4.5): resolving a claim's destination list in order and
// opening the upstream leg, plain or TLS.
package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
)

// Credential is a preflight-provisioned secret attached to a claim so that
// an upstream protocol-specific adapter (SSH, WinRM) can forward it. The
// adapters themselves are outside the core's scope (spec.md section 1); the
// connector only carries the value through to the point where one could be
// wired in.
type Credential struct {
	Username string
	Password string
}

// Config configures a Connector.
type Config struct {
	// DNSTimeout bounds a single alternate's resolution.
	DNSTimeout time.Duration
	// ConnectTimeout bounds a single alternate's TCP connect.
	ConnectTimeout time.Duration
	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	TLSHandshakeTimeout time.Duration
	// InsecureSkipVerify disables upstream certificate hostname
	// verification. It is a debug override; every use is logged.
	InsecureSkipVerify bool
	// Resolver is used to look up destination hosts; defaults to
	// net.DefaultResolver.
	Resolver *net.Resolver
}

func (c *Config) CheckAndSetDefaults() error {
	if c.DNSTimeout == 0 {
		c.DNSTimeout = time.Duration(gateway.DNSTimeoutSeconds) * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = time.Duration(gateway.ConnectTimeoutSeconds) * time.Second
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = time.Duration(gateway.TLSHandshakeTimeoutSeconds) * time.Second
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	return nil
}

// Connector opens the upstream leg of a session.
type Connector struct {
	cfg Config
	log log.FieldLogger
}

// New constructs a Connector.
func New(cfg Config) (*Connector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Connector{
		cfg: cfg,
		log: log.WithField(trace.Component, gateway.Component(gateway.ComponentConnector)),
	}, nil
}

// Connect tries each destination in order, returning the first net.Conn
// that both resolves and accepts a connection. DnsFailure, ConnectRefused
// and ConnectTimeout move on to the next alternate; TlsFailure aborts
// immediately with no downgrade, per spec.md section 4.5.
func (c *Connector) Connect(ctx context.Context, destinations []token.Destination, cred *Credential) (net.Conn, string, error) {
	if len(destinations) == 0 {
		return nil, "", trace.BadParameter("no destinations provided")
	}

	var lastErr error
	for _, dst := range destinations {
		conn, addr, err := c.connectOne(ctx, dst)
		if err == nil {
			if cred != nil {
				attach(conn, cred)
			}
			return conn, addr, nil
		}

		var ce *Error
		if errors.As(err, &ce) && ce.Kind.IsFatal() {
			return nil, "", err
		}
		c.log.WithError(err).WithField("destination", dst.String()).Warn("Alternate failed, trying next.")
		lastErr = err
	}
	return nil, "", trace.Wrap(lastErr, "all alternates exhausted")
}

func (c *Connector) connectOne(ctx context.Context, dst token.Destination) (net.Conn, string, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, c.cfg.DNSTimeout)
	addrs, err := c.cfg.Resolver.LookupHost(resolveCtx, dst.Host)
	cancel()
	if err != nil {
		return nil, "", newError(FailureDNS, dst.Host, err)
	}
	if len(addrs) == 0 {
		return nil, "", newError(FailureDNS, dst.Host, trace.NotFound("no addresses"))
	}
	ip := addrs[0]

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target := net.JoinHostPort(ip, strconv.Itoa(int(dst.Port)))
	rawConn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, "", newError(FailureConnectTimeout, dst.Host, err)
		}
		return nil, "", newError(FailureConnectRefused, dst.Host, err)
	}

	if dst.Scheme != "tls" {
		return rawConn, target, nil
	}

	tlsConn, err := c.handshakeTLS(ctx, rawConn, dst.Host)
	if err != nil {
		rawConn.Close()
		return nil, "", newError(FailureTLS, dst.Host, err)
	}
	return tlsConn, target, nil
}

func (c *Connector) handshakeTLS(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		RootCAs:            pool,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}
	if c.cfg.InsecureSkipVerify {
		c.log.Warn("Upstream TLS hostname verification disabled by debug override.")
	}

	tlsConn := tls.Client(conn, cfg)
	_ = conn.SetDeadline(timeNow().Add(c.cfg.TLSHandshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

var timeNow = time.Now
