// Package jrl implements the JSON Revocation List: the ordered, signed
// update that tells the token verifier which token identifiers are no
// longer acceptable, per spec.md section 3 and section 4.3.
package jrl

import (
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// List is the live revocation list. It is safe for concurrent use; updates
// never block on I/O, so Apply is cheap enough to call from a request
// handler directly.
type List struct {
	mu  sync.RWMutex
	ver uint64
	ids map[string]struct{}

	log log.FieldLogger
}

// New constructs an empty revocation list.
func New() *List {
	return &List{
		ids: make(map[string]struct{}),
		log: log.WithField(trace.Component, gateway.Component(gateway.ComponentJRL)),
	}
}

// Apply installs a new list version if version is strictly greater than the
// currently installed one. Applying an update with a lower or equal
// identifier is a documented no-op (spec.md section 3), not an error.
func (l *List) Apply(version uint64, tokenIDs []string) (applied bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if version <= l.ver {
		l.log.WithFields(log.Fields{
			"incoming_version": version,
			"current_version":  l.ver,
		}).Debug("Ignoring stale JRL update.")
		return false
	}

	ids := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		ids[id] = struct{}{}
	}

	l.ver = version
	l.ids = ids
	l.log.WithFields(log.Fields{
		"version": version,
		"entries": len(ids),
	}).Info("Applied JRL update.")
	return true
}

// IsRevoked reports whether tokenID is on the current list. It implements
// token.RevocationChecker.
func (l *List) IsRevoked(tokenID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, revoked := l.ids[tokenID]
	return revoked
}

// Info returns the current version and entry count, backing the
// GET /jrl/info route.
func (l *List) Info() (version uint64, size int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ver, len(l.ids)
}
