// Package token implements the Gateway session token model: decoding and
// verifying the compact JWS tokens minted by external provisioners, per
// spec.md section 4.3, and the typed claims they carry (section 3).
package token

import (
	"crypto"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/metrics"
)

// Keyring resolves the public key used to verify a token's signature: the
// primary provisioner key, or a registered subkey when the token's JWS
// header names one via kid.
type Keyring interface {
	// PrimaryKey returns the Gateway's primary provisioner public key.
	PrimaryKey() crypto.PublicKey
	// Subkey returns a registered subkey by id, or (nil, false) if unknown.
	Subkey(id string) (crypto.PublicKey, bool)
}

// StaticKeyring is a Keyring backed by an in-memory map, suitable for
// configuration loaded once at boot and swapped wholesale on reload.
type StaticKeyring struct {
	Primary crypto.PublicKey
	Subkeys map[string]crypto.PublicKey
}

func (k StaticKeyring) PrimaryKey() crypto.PublicKey { return k.Primary }

func (k StaticKeyring) Subkey(id string) (crypto.PublicKey, bool) {
	pub, ok := k.Subkeys[id]
	return pub, ok
}

// RevocationChecker reports whether a token identifier has been revoked.
// Implemented by internal/jrl.List.
type RevocationChecker interface {
	IsRevoked(tokenID string) bool
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Keyring resolves verification keys.
	Keyring Keyring
	// JRL reports revoked token identifiers. Optional; when nil, no
	// revocation check is performed (used by callers that check JRL
	// themselves, such as JRL-content-type tokens).
	JRL RevocationChecker
	// GatewayID is this instance's own identity, checked against jet_gw_id
	// when present on a token.
	GatewayID string
	// Clock is used for exp/nbf comparisons, overridable in tests.
	Clock clockwork.Clock
}

func (c *VerifierConfig) CheckAndSetDefaults() error {
	if c.Keyring == nil {
		return trace.BadParameter("missing Keyring")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Verifier validates signed session tokens against the configured keyring
// and extracts their typed claims.
type Verifier struct {
	cfg VerifierConfig
	log log.FieldLogger
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{
		cfg: cfg,
		log: log.WithField(trace.Component, gateway.Component(gateway.ComponentToken)),
	}, nil
}

// wireClaims mirrors the JSON layout of a token's JWT claims, combining the
// registered claim set with the Gateway-specific private claims.
type wireClaims struct {
	josejwt.Claims

	GatewayID string `json:"jet_gw_id,omitempty"`
	SubkeyID  string `json:"jet_kid,omitempty"`

	ContentType string `json:"jet_cty"`

	SessionID           string        `json:"jet_aid,omitempty"`
	Destination         *rawDestination `json:"dst,omitempty"`
	Alternates          []rawDestination `json:"dst_alt,omitempty"`
	ApplicationProtocol string        `json:"jet_ap,omitempty"`
	RecordingPolicy     string        `json:"jet_rec,omitempty"`
	MaxLifetimeSeconds  int64         `json:"jet_ttl,omitempty"`

	JMUXDestinations []string `json:"dst_hst,omitempty"`
	JMUXPort         uint16   `json:"port,omitempty"`
}

type rawDestination struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

func (d *rawDestination) toDestination() Destination {
	if d == nil {
		return Destination{}
	}
	return Destination{Scheme: d.Scheme, Host: d.Host, Port: d.Port}
}

// permittedSignatureAlgorithms lists the only signature algorithms the
// Gateway accepts, per spec.md section 6: RSA-PSS-SHA256 and
// ECDSA-P256-SHA256.
var permittedSignatureAlgorithms = []jose.SignatureAlgorithm{jose.PS256, jose.ES256}

// Verify decodes and validates rawToken, enforcing that its content type is
// a member of permitted. On success it returns the typed claims; on failure
// it returns a *VerifyError wrapped with trace context.
func (v *Verifier) Verify(rawToken string, permitted ...gateway.ContentType) (result *Claims, err error) {
	defer func() {
		if err == nil {
			return
		}
		reason := "Unknown"
		if ve, ok := AsVerifyError(err); ok {
			reason = ve.Kind
		}
		metrics.JWTRejected.WithLabelValues(reason).Inc()
	}()

	parsed, err := josejwt.ParseSigned(rawToken)
	if err != nil {
		return nil, newVerifyError(KindMalformed, err)
	}

	if len(parsed.Headers) != 1 {
		return nil, newVerifyError(KindMalformed, trace.BadParameter("expected exactly one JWS header"))
	}
	header := parsed.Headers[0]
	if !algorithmPermitted(jose.SignatureAlgorithm(header.Algorithm)) {
		return nil, newVerifyError(KindBadSignature, trace.BadParameter("algorithm %q not permitted", header.Algorithm))
	}

	pubKey, err := v.resolveKey(header.KeyID)
	if err != nil {
		return nil, newVerifyError(KindBadSignature, err)
	}

	var claims wireClaims
	if err := parsed.Claims(pubKey, &claims); err != nil {
		return nil, newVerifyError(KindBadSignature, err)
	}

	now := v.cfg.Clock.Now()
	if claims.Expiry != nil && now.After(claims.Expiry.Time()) {
		return nil, newVerifyError(KindExpired, nil)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time()) {
		return nil, newVerifyError(KindNotYetValid, nil)
	}

	if claims.GatewayID != "" && v.cfg.GatewayID != "" && claims.GatewayID != v.cfg.GatewayID {
		return nil, newVerifyError(KindWrongAudience, nil)
	}

	ct := gateway.ContentType(claims.ContentType)
	if !contentTypePermitted(ct, permitted) {
		return nil, newVerifyError(KindWrongContentType, trace.BadParameter("content type %q not permitted here", ct))
	}

	if v.cfg.JRL != nil && claims.ID != "" && v.cfg.JRL.IsRevoked(claims.ID) {
		return nil, newVerifyError(KindRevoked, nil)
	}

	out := &Claims{
		ContentType:         ct,
		TokenID:             claims.ID,
		GatewayID:           claims.GatewayID,
		SubkeyID:            claims.SubkeyID,
		SessionID:           claims.SessionID,
		ApplicationProtocol: gateway.ApplicationProtocol(claims.ApplicationProtocol),
		RecordingPolicy:     gateway.RecordingPolicy(claims.RecordingPolicy),
		JMUXDestinations:    claims.JMUXDestinations,
		JMUXPort:            claims.JMUXPort,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time()
	}
	if claims.NotBefore != nil {
		out.NotBefore = claims.NotBefore.Time()
	}
	if claims.Expiry != nil {
		out.Expiry = claims.Expiry.Time()
	}
	if claims.MaxLifetimeSeconds > 0 {
		out.MaxLifetime = secondsToDuration(claims.MaxLifetimeSeconds)
	}
	out.Destination = claims.Destination.toDestination()
	for _, alt := range claims.Alternates {
		alt := alt
		out.Alternates = append(out.Alternates, alt.toDestination())
	}

	if err := validateWildcards(out); err != nil {
		return nil, newVerifyError(KindMalformed, err)
	}

	return out, nil
}

func (v *Verifier) resolveKey(subkeyID string) (crypto.PublicKey, error) {
	if subkeyID == "" {
		if pk := v.cfg.Keyring.PrimaryKey(); pk != nil {
			return pk, nil
		}
		return nil, trace.BadParameter("no primary key configured")
	}
	pk, ok := v.cfg.Keyring.Subkey(subkeyID)
	if !ok {
		return nil, trace.BadParameter("unknown subkey %q", subkeyID)
	}
	return pk, nil
}

func algorithmPermitted(alg jose.SignatureAlgorithm) bool {
	for _, p := range permittedSignatureAlgorithms {
		if p == alg {
			return true
		}
	}
	return false
}

func contentTypePermitted(ct gateway.ContentType, permitted []gateway.ContentType) bool {
	if len(permitted) == 0 {
		return true
	}
	for _, p := range permitted {
		if p == ct {
			return true
		}
	}
	return false
}

// validateWildcards rejects empty JMUX destination patterns. A port wildcard
// cannot be expressed, since JMUXPort is numeric; the host pattern strings
// are not otherwise inspected.
func validateWildcards(c *Claims) error {
	for _, pattern := range c.JMUXDestinations {
		if pattern == "" {
			return trace.BadParameter("empty destination pattern")
		}
	}
	return nil
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
