// Package jmux implements the Gateway's JMUX multiplexer (spec.md section
// 4.7): once a transport is recognised as JMUX, many logical channels ride
// over the one underlying connection, each with its own destination,
// authorisation, and flow control. Per-channel flow control and the
// "overrun drops the whole transport" rule are provided directly by
// hashicorp/yamux's credit-based stream windows, so this package is a thin
// adapter from yamux streams to Gateway channels rather than a
// reimplementation of flow control.
package jmux

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
)

// channelOpen is the small JSON header a client sends as the first message
// on every freshly opened yamux stream, nominating that channel's
// destination. It plays the role of the JMUX OPEN frame described in
// spec.md section 4.3; the outer four-byte JMUX magic that the sniffer
// detects is consumed by Accept before the yamux session takes over.
type channelOpen struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

var jmuxMagic = []byte{'J', 'M', 'U', 'X'}

// Config configures a Multiplexer.
type Config struct {
	// AcceptBacklog bounds how many not-yet-accepted streams yamux queues.
	AcceptBacklog int
	// KeepAliveInterval paces yamux's keepalive pings.
	KeepAliveInterval time.Duration
	// StreamOpenTimeout bounds how long a client may take to send the
	// per-channel destination header after opening a stream.
	StreamOpenTimeout time.Duration
	// MaxStreamWindowSize is the per-channel flow-control window yamux
	// advertises to the peer.
	MaxStreamWindowSize uint32
}

func (c *Config) CheckAndSetDefaults() error {
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = 128
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.StreamOpenTimeout == 0 {
		c.StreamOpenTimeout = 30 * time.Second
	}
	if c.MaxStreamWindowSize == 0 {
		c.MaxStreamWindowSize = 256 * 1024
	}
	return nil
}

func (c Config) yamuxConfig() *yamux.Config {
	return &yamux.Config{
		AcceptBacklog:          c.AcceptBacklog,
		EnableKeepAlive:        true,
		KeepAliveInterval:      c.KeepAliveInterval,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    c.MaxStreamWindowSize,
		StreamCloseTimeout:     5 * time.Minute,
		StreamOpenTimeout:      c.StreamOpenTimeout,
		LogOutput:              io.Discard,
	}
}

// Channel is one authorised JMUX logical stream, ready to be handed to the
// tunnel engine.
type Channel struct {
	// Conn is the underlying yamux stream, usable as a net.Conn.
	Conn *yamux.Stream
	// Destination is the channel's requested and authorised destination.
	Destination token.Destination
}

// Multiplexer demultiplexes one JMUX transport into authorised channels.
type Multiplexer struct {
	cfg     Config
	session *yamux.Session
	log     log.FieldLogger
}

// Accept consumes the outer JMUX magic from conn and wraps the remainder in
// a yamux server session. It does not itself read any channel; call Next in
// a loop to pull authorised channels out of the transport.
func Accept(conn io.ReadWriteCloser, cfg Config) (*Multiplexer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	magic := make([]byte, len(jmuxMagic))
	if _, err := io.ReadFull(conn, magic); err != nil {
		return nil, trace.Wrap(err, "reading JMUX magic")
	}
	for i, b := range jmuxMagic {
		if magic[i] != b {
			return nil, trace.BadParameter("not a JMUX transport")
		}
	}

	session, err := yamux.Server(conn, cfg.yamuxConfig())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Multiplexer{
		cfg:     cfg,
		session: session,
		log:     log.WithField(trace.Component, gateway.Component(gateway.ComponentJMUX)),
	}, nil
}

// Authorizer decides whether a requested channel destination is permitted
// by the token that authorised the JMUX transport.
type Authorizer interface {
	Authorize(dst token.Destination) bool
}

// Next blocks for the next channel open on the transport, reads and
// authorises its destination header, and returns the resulting Channel. A
// rejected destination closes only that stream, not the transport; a
// malformed or oversized header, or a yamux protocol violation (including a
// flow-control overrun), is always fatal to the whole transport and is
// returned as an error.
func (m *Multiplexer) Next(ctx context.Context, authz Authorizer) (*Channel, error) {
	for {
		stream, err := m.session.AcceptStreamWithContext(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		dst, err := readChannelOpen(stream, m.cfg.StreamOpenTimeout)
		if err != nil {
			m.log.WithError(err).Warn("Malformed JMUX channel open, dropping transport.")
			stream.Close()
			m.session.Close()
			return nil, trace.Wrap(err)
		}

		if !authz.Authorize(dst) {
			m.log.WithField("destination", dst.String()).Warn("JMUX channel destination not permitted by token, refusing channel.")
			stream.Close()
			continue
		}

		return &Channel{Conn: stream, Destination: dst}, nil
	}
}

// Close tears down the whole JMUX transport, closing every still-open
// channel, per spec.md section 4.7.
func (m *Multiplexer) Close() error {
	return trace.Wrap(m.session.Close())
}

func readChannelOpen(stream *yamux.Stream, timeout time.Duration) (token.Destination, error) {
	stream.SetReadDeadline(time.Now().Add(timeout))
	defer stream.SetReadDeadline(time.Time{})

	var length uint32
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(stream, lenBuf); err != nil {
		return token.Destination{}, trace.Wrap(err)
	}
	length = beUint32(lenBuf)
	if length == 0 || length > 4096 {
		return token.Destination{}, trace.BadParameter("invalid channel open header length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(stream, body); err != nil {
		return token.Destination{}, trace.Wrap(err)
	}

	var open channelOpen
	if err := json.Unmarshal(body, &open); err != nil {
		return token.Destination{}, trace.Wrap(err)
	}
	return token.Destination{Scheme: open.Scheme, Host: open.Host, Port: open.Port}, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
