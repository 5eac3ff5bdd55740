package token

import (
	"errors"

	"github.com/gravitational/trace"
)

// VerifyError classifies why a token failed verification. Client-facing
// code must not leak which of these occurred (section 7): the socket is
// closed without a protocol-specific message either way. The classification
// exists for logging and metrics only.
type VerifyError struct {
	Kind string
	err  error
}

func (e *VerifyError) Error() string {
	if e.err == nil {
		return e.Kind
	}
	return e.Kind + ": " + e.err.Error()
}

func (e *VerifyError) Unwrap() error { return e.err }

// Recognised verification failure kinds, per spec.md section 4.3.
const (
	KindBadSignature     = "BadSignature"
	KindExpired          = "Expired"
	KindNotYetValid      = "NotYetValid"
	KindWrongAudience    = "WrongAudience"
	KindWrongContentType = "WrongContentType"
	KindRevoked          = "Revoked"
	KindMalformed        = "Malformed"
)

func newVerifyError(kind string, err error) error {
	return trace.Wrap(&VerifyError{Kind: kind, err: err})
}

// AsVerifyError extracts a *VerifyError from a (possibly wrapped) error.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
