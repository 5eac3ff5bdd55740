// Package gateway holds identifiers and constants shared across the whole
// session-dispatch and tunnelling engine.
package gateway

import "strings"

// Component builds a "component:subcomponent1:subcomponent2" string used as
// the trace.Component log field.
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// Component tags for the engine's subsystems.
const (
	ComponentListener   = "listener"
	ComponentSniffer    = "sniffer"
	ComponentToken      = "token"
	ComponentJRL        = "jrl"
	ComponentRegistry   = "registry"
	ComponentConnector  = "connector"
	ComponentTunnel     = "tunnel"
	ComponentJMUX       = "jmux"
	ComponentRecording  = "recording"
	ComponentSubscriber = "subscriber"
	ComponentSupervisor = "supervisor"
	ComponentWebAPI     = "webapi"
	ComponentQueue      = "trafficqueue"
)

// ContentType identifies the purpose of a signed session token.
type ContentType string

// Recognised token content types, per the wire format the Gateway accepts.
const (
	ContentTypeAssociation ContentType = "ASSOCIATION"
	ContentTypeJMUX        ContentType = "JMUX"
	ContentTypeKDC         ContentType = "KDC"
	ContentTypeScope       ContentType = "SCOPE"
	ContentTypeJRL         ContentType = "JRL"
	ContentTypeJREC        ContentType = "JREC"
	ContentTypeNetscan     ContentType = "NETSCAN"
	ContentTypeBridge      ContentType = "BRIDGE"
	ContentTypeWebApp      ContentType = "WEBAPP"
)

// ApplicationProtocol tags the upstream protocol a session carries, used by
// the sniffer fallback rule and by JMUX channel authorisation.
type ApplicationProtocol string

const (
	ApplicationProtocolRDP     ApplicationProtocol = "rdp"
	ApplicationProtocolSSH     ApplicationProtocol = "ssh"
	ApplicationProtocolVNC     ApplicationProtocol = "vnc"
	ApplicationProtocolTelnet  ApplicationProtocol = "telnet"
	ApplicationProtocolUnknown ApplicationProtocol = "unknown"
)

// RecordingPolicy controls whether and how a session's byte stream is
// persisted by the recording sink.
type RecordingPolicy string

const (
	// RecordingPolicyNone disables recording entirely.
	RecordingPolicyNone RecordingPolicy = "none"
	// RecordingPolicyBoth records both directions of traffic.
	RecordingPolicyBoth RecordingPolicy = "both"
	// RecordingPolicyStrict behaves like RecordingPolicyBoth but tears the
	// session down rather than continuing unrecorded on sink failure.
	RecordingPolicyStrict RecordingPolicy = "strict"
)

// Outcome classifies how a session ended, reported in traffic events.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeConnectFailed Outcome = "connect_failed"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeTerminated    Outcome = "terminated"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeError         Outcome = "error"
	OutcomePolicy        Outcome = "policy"
)

// Default tunable values, named after their teacher-repo equivalents in
// lib/defaults.
const (
	// SniffPreambleSize is the maximum number of bytes the protocol sniffer
	// peeks before giving up on classification.
	SniffPreambleSize = 1024

	// RDPReuseWindow is how long a token may be legitimately reused for a
	// second RDP association after first use.
	RDPReuseWindow = 10 // seconds, kept as an int for clarity at call sites

	// TunnelBufferSize is the default per-direction pump buffer size.
	TunnelBufferSize = 64 * 1024

	// TunnelCloseGrace is how long the tunnel engine waits for the opposite
	// direction to drain after a half-close before forcing the socket shut.
	TunnelCloseGrace = 1 // seconds

	// DNSTimeoutSeconds bounds a single alternate's resolution.
	DNSTimeoutSeconds = 5
	// ConnectTimeoutSeconds bounds a single alternate's TCP connect.
	ConnectTimeoutSeconds = 10
	// TLSHandshakeTimeoutSeconds bounds the upstream TLS handshake.
	TLSHandshakeTimeoutSeconds = 15

	// ListenerBackoffCapSeconds is the maximum backoff between accept
	// retries on one listener entry. A failed bind is not retried: the
	// listener pool's Reload returns the error.
	ListenerBackoffCapSeconds = 30
)
