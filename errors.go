package imagebroker

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidForm   = errors.New("imagebroker: invalid form input")
	ErrLimitExceeded = errors.New("imagebroker: limit exceeded")
	ErrUpstream      = errors.New("imagebroker: generation service error")
	ErrThirdParty    = errors.New("imagebroker: third-party provider error")
	ErrConflict      = errors.New("imagebroker: concurrent update conflict")
	ErrModelNotFound = errors.New("imagebroker: no provider for model")
)

// Wire error types, matching what the web layer renders.
const (
	ErrorTypeInvalidForm   = "invalid_form_error"
	ErrorTypeLimitExceeded = "limit_exceeded_error"
	ErrorTypeUpstream      = "upstream_service_error"
	ErrorTypeThirdParty    = "third_party_error"
)

// BrokerError wraps an error with request context.
type BrokerError struct {
	Err      error
	Provider string
	Model    string
	Key      string
	Attempts int
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("imagebroker: provider=%s model=%s key=%s attempts=%d: %v",
		e.Provider, e.Model, e.Key, e.Attempts, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// ErrorType maps an error onto the wire taxonomy. Unknown errors are
// reported as upstream failures so the UI never blames the third party
// for our own faults.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidForm):
		return ErrorTypeInvalidForm
	case errors.Is(err, ErrLimitExceeded):
		return ErrorTypeLimitExceeded
	case errors.Is(err, ErrThirdParty):
		return ErrorTypeThirdParty
	default:
		return ErrorTypeUpstream
	}
}

// IsRetryable reports whether the failure is a transient conflict that the
// broker retries internally before surfacing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
