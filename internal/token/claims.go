package token

import (
	"net"
	"strconv"
	"time"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// Destination is one candidate target host:port carried by an ASSOCIATION
// claim, or a wildcardable pattern carried by a JMUX destination list.
type Destination struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// String renders the destination as host:port for logging.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// Claims is the decoded, content-type-agnostic view of a session token, per
// spec.md section 3. Content-specific fields are populated only for the
// content type the token actually carries; callers must check ContentType
// before reading them.
type Claims struct {
	// ContentType tags the purpose of the token.
	ContentType gateway.ContentType `json:"jet_cty"`

	// TokenID uniquely identifies this token, used by the JRL and the reuse
	// table.
	TokenID string `json:"jti"`

	IssuedAt  time.Time `json:"-"`
	NotBefore time.Time `json:"-"`
	Expiry    time.Time `json:"-"`

	// GatewayID, if present, pins the token to one Gateway instance.
	GatewayID string `json:"jet_gw_id,omitempty"`

	// SubkeyID carries the token's jet_kid claim, if present. The key that
	// verified the signature is selected by the JWS header's kid, not by
	// this claim.
	SubkeyID string `json:"jet_kid,omitempty"`

	// --- ASSOCIATION fields ---

	SessionID          string                    `json:"jet_aid,omitempty"`
	Destination        Destination               `json:"dst,omitempty"`
	Alternates         []Destination             `json:"dst_alt,omitempty"`
	ApplicationProtocol gateway.ApplicationProtocol `json:"jet_ap,omitempty"`
	RecordingPolicy    gateway.RecordingPolicy   `json:"jet_rec,omitempty"`
	MaxLifetime        time.Duration             `json:"jet_ttl,omitempty"`

	// JMUXDestinations lists wildcardable host patterns (e.g. "*") a JMUX
	// channel opened under this token may target. JMUXPort fixes the port
	// shared by every pattern, per spec.md's "multiple destinations in one
	// token imply the same port".
	JMUXDestinations []string `json:"dst_hst,omitempty"`
	JMUXPort         uint16   `json:"port,omitempty"`
}

// AllDestinations returns the primary destination followed by its ordered
// alternates.
func (c *Claims) AllDestinations() []Destination {
	out := make([]Destination, 0, 1+len(c.Alternates))
	out = append(out, c.Destination)
	out = append(out, c.Alternates...)
	return out
}

// IsRDP reports whether this claim's application protocol is RDP, which is
// the only protocol granted the reuse-window grace period.
func (c *Claims) IsRDP() bool {
	return c.ApplicationProtocol == gateway.ApplicationProtocolRDP
}
