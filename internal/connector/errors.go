package connector

import "github.com/gravitational/trace"

// FailureKind classifies why an upstream connect attempt failed, per
// spec.md section 4.5. DnsFailure, ConnectRefused and ConnectTimeout are
// retried across alternates by Connect; TlsFailure is fatal for the whole
// session.
type FailureKind string

const (
	FailureDNS             FailureKind = "DnsFailure"
	FailureConnectRefused  FailureKind = "ConnectRefused"
	FailureConnectTimeout  FailureKind = "ConnectTimeout"
	FailureTLS             FailureKind = "TlsFailure"
)

// Error wraps a single alternate's connect failure with its classification.
type Error struct {
	Kind FailureKind
	Host string
	err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + " connecting to " + e.Host + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind FailureKind, host string, err error) error {
	return trace.Wrap(&Error{Kind: kind, Host: host, err: err})
}

// IsFatal reports whether kind should abort the whole alternates list
// rather than trying the next one.
func (k FailureKind) IsFatal() bool { return k == FailureTLS }
