package receipt

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a verification failure.
type Kind string

const (
	KindMalformedReceipt    Kind = "malformed_receipt"
	KindUnauthenticated     Kind = "unauthenticated"
	KindAlreadyExpired      Kind = "already_expired"
	KindEnvironmentMismatch Kind = "environment_mismatch"
	KindTimeout             Kind = "timeout"
	KindUnreachable         Kind = "unreachable"
	KindNoSubscriptionFound Kind = "no_subscription_found"
	KindRejected            Kind = "rejected"
)

// Well-known verifier status codes
const (
	StatusOK                  = 0
	StatusMalformedRequest    = 21000
	StatusMalformedReceipt    = 21002
	StatusNotAuthenticated    = 21003
	StatusSharedSecretInvalid = 21004
	StatusServerUnavailable   = 21005
	StatusSubscriptionExpired = 21006
	StatusSandboxReceipt      = 21007
	StatusProductionReceipt   = 21008
	StatusInternalDataAccess  = 21009
	StatusAccountNotFound     = 21010
)

// VerificationError is returned by Verify for every failure path.
type VerificationError struct {
	Kind      Kind
	Status    int
	ExpiresAt *time.Time
	Err       error
}

func (e *VerificationError) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.ExpiresAt != nil {
		msg = fmt.Sprintf("%s, expired at %s", msg, e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return "receipt verification failed: " + msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Is matches any VerificationError of the same kind.
func (e *VerificationError) Is(target error) bool {
	t, ok := target.(*VerificationError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same receipt later.
func (e *VerificationError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnreachable
}

var (
	ErrMalformedReceipt    = &VerificationError{Kind: KindMalformedReceipt}
	ErrUnauthenticated     = &VerificationError{Kind: KindUnauthenticated}
	ErrAlreadyExpired      = &VerificationError{Kind: KindAlreadyExpired}
	ErrTimeout             = &VerificationError{Kind: KindTimeout}
	ErrUnreachable         = &VerificationError{Kind: KindUnreachable}
	ErrNoSubscriptionFound = &VerificationError{Kind: KindNoSubscriptionFound}
	ErrRejected            = &VerificationError{Kind: KindRejected}
)

// KindOf extracts the kind from err, or "" when err is not a VerificationError.
func KindOf(err error) Kind {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// errorForStatus maps a non-zero verifier status to a VerificationError.
func errorForStatus(status int) *VerificationError {
	kind := KindRejected
	switch {
	case status == StatusMalformedRequest, status == StatusMalformedReceipt:
		kind = KindMalformedReceipt
	case status == StatusNotAuthenticated, status == StatusSharedSecretInvalid, status == StatusAccountNotFound:
		kind = KindUnauthenticated
	case status == StatusSubscriptionExpired:
		kind = KindAlreadyExpired
	case status == StatusSandboxReceipt, status == StatusProductionReceipt:
		kind = KindEnvironmentMismatch
	case status == StatusServerUnavailable, status == StatusInternalDataAccess:
		kind = KindUnreachable
	case status >= 21100 && status <= 21199:
		kind = KindUnreachable
	}
	return &VerificationError{Kind: kind, Status: status}
}
