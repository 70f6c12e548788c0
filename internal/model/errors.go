package model

import "errors"

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrMissingOwner      = errors.New("missing owner")
	ErrAllocationFailure = errors.New("allocation failure")
	ErrActivationFailure = errors.New("activation failure")
	ErrTransientStore    = errors.New("transient store error")

	ErrNotFound = errors.New("not found")
)

// IsTerminal reports whether err must be rejected at the boundary instead of
// being queued for retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSignatureMismatch) || errors.Is(err, ErrMalformedPayload)
}

// ErrorKind returns a short label for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrMissingOwner):
		return "missing_owner"
	case errors.Is(err, ErrAllocationFailure):
		return "allocation_failure"
	case errors.Is(err, ErrActivationFailure):
		return "activation_failure"
	case errors.Is(err, ErrTransientStore):
		return "transient_store"
	default:
		return "unknown"
	}
}
