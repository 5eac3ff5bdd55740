// Package config holds the Gateway's immutable configuration snapshot and
// the atomic swap pointer the supervisor uses to apply reloads without
// disturbing live sessions (spec.md section 9, "config is loaded once and
// swapped atomically").
package config

import (
	"time"

	"github.com/gravitational/trace"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// ListenerScheme identifies the transport a listener entry terminates.
type ListenerScheme string

const (
	SchemeTCP   ListenerScheme = "tcp"
	SchemeTLS   ListenerScheme = "tls"
	SchemeWS    ListenerScheme = "ws"
	SchemeWSS   ListenerScheme = "wss"
	SchemeHTTP  ListenerScheme = "http"
	SchemeHTTPS ListenerScheme = "https"
)

// ListenerEntry pairs the address a listener binds internally with the URL
// advertised to clients, per spec.md section 4.1's session record Listener
// field.
type ListenerEntry struct {
	Scheme      ListenerScheme
	BindAddr    string
	ExternalURL string
	// CertFile/KeyFile are required when Scheme is SchemeTLS or SchemeWSS.
	// A SchemeHTTPS entry may carry them too; without them it falls back to
	// the listener pool's configured certificate source.
	CertFile string
	KeyFile  string
}

func (l ListenerEntry) CheckAndSetDefaults() error {
	if l.BindAddr == "" {
		return trace.BadParameter("listener entry missing bind address")
	}
	if l.ExternalURL == "" {
		return trace.BadParameter("listener entry %q missing external URL", l.BindAddr)
	}
	switch l.Scheme {
	case SchemeTCP, SchemeTLS, SchemeWS, SchemeWSS, SchemeHTTP, SchemeHTTPS:
	default:
		return trace.BadParameter("listener entry %q has unknown scheme %q", l.BindAddr, l.Scheme)
	}
	if (l.Scheme == SchemeTLS || l.Scheme == SchemeWSS) && (l.CertFile == "" || l.KeyFile == "") {
		return trace.BadParameter("listener entry %q requires cert/key for scheme %q", l.BindAddr, l.Scheme)
	}
	return nil
}

// Snapshot is an immutable configuration load. A new Snapshot is built on
// every reload and swapped in atomically; nothing ever mutates a Snapshot
// in place once CheckAndSetDefaults has returned.
type Snapshot struct {
	Listeners []ListenerEntry

	// TokenKeyringPath points at the PEM material internal/token loads
	// its verification keyring from.
	TokenKeyringPath string

	// RecordingRoot is the directory internal/recording writes session
	// transcripts under.
	RecordingRoot      string
	RecordingMinFreeMB uint64

	// SubscriberURL and SubscriberToken configure internal/subscriber; a
	// blank URL disables the notifier entirely.
	SubscriberURL   string
	SubscriberToken string

	// HealthAddr is where the HTTP control plane (internal/webapi, including
	// /jet/health) listens.
	HealthAddr string

	// ShutdownGrace bounds how long the supervisor's Shutdown waits, after
	// cancelling every component, for them to exit. Shutdown returns once it
	// elapses even if some components are still running.
	ShutdownGrace time.Duration
}

// CheckAndSetDefaults validates the snapshot and fills in unset fields,
// mirroring the teacher's `CheckAndSetDefaults` construction idiom used
// throughout its listener and session configs.
func (s *Snapshot) CheckAndSetDefaults() error {
	if len(s.Listeners) == 0 {
		return trace.BadParameter("configuration must declare at least one listener")
	}
	for i := range s.Listeners {
		if err := s.Listeners[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.TokenKeyringPath == "" {
		return trace.BadParameter("configuration missing token keyring path")
	}
	if s.HealthAddr == "" {
		s.HealthAddr = "127.0.0.1:10444"
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = gateway.TunnelCloseGrace * time.Second
	}
	return nil
}

// Diff reports which listener entries were added, removed, or changed
// between two snapshots, keyed by bind address. Neither internal/supervisor
// nor internal/listener calls it: the listener pool's Reload computes the
// same per-address comparison itself.
type Diff struct {
	Added   []ListenerEntry
	Removed []ListenerEntry
	Changed []ListenerEntry
}

func DiffListeners(old, next *Snapshot) Diff {
	oldByAddr := make(map[string]ListenerEntry, len(old.Listeners))
	for _, l := range old.Listeners {
		oldByAddr[l.BindAddr] = l
	}
	nextByAddr := make(map[string]ListenerEntry, len(next.Listeners))
	for _, l := range next.Listeners {
		nextByAddr[l.BindAddr] = l
	}

	var d Diff
	for addr, l := range nextByAddr {
		was, existed := oldByAddr[addr]
		switch {
		case !existed:
			d.Added = append(d.Added, l)
		case was != l:
			d.Changed = append(d.Changed, l)
		}
	}
	for addr, l := range oldByAddr {
		if _, stillPresent := nextByAddr[addr]; !stillPresent {
			d.Removed = append(d.Removed, l)
		}
	}
	return d
}
