package jmux

import "github.com/Devolutions/devolutions-gateway-sub002/internal/token"

// ClaimsAuthorizer authorises JMUX channel destinations against a token's
// destination list, expanding a "*" host wildcard to match any host while
// keeping the port fixed to the one carried in the token, per spec.md
// section 4.3 ("Multiple destinations in one token imply the same port
// across all of them") and section 4.7.
type ClaimsAuthorizer struct {
	destinations []token.Destination
}

// NewClaimsAuthorizer builds an Authorizer from a claim's destination list
// (primary plus alternates).
func NewClaimsAuthorizer(destinations []token.Destination) *ClaimsAuthorizer {
	return &ClaimsAuthorizer{destinations: destinations}
}

// Authorize reports whether dst is covered by any pattern in the token's
// destination list.
func (a *ClaimsAuthorizer) Authorize(dst token.Destination) bool {
	for _, pattern := range a.destinations {
		if pattern.Port != dst.Port {
			continue
		}
		if pattern.Host == "*" || pattern.Host == dst.Host {
			return true
		}
	}
	return false
}
