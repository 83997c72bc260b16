package delivery

import (
	"errors"
	"fmt"
)

// Error is a delivery failure carrying the provider's retryability signal.
// Retryable failures (timeouts, 5xx) are eligible for job-level retry;
// permanent ones (malformed recipient, 4xx) halt the run.
type Error struct {
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}

	return fmt.Sprintf("delivery failed (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError marks a failure worth retrying.
func NewTransientError(err error) *Error {
	return &Error{Err: err, Retryable: true}
}

// NewPermanentError marks a failure that retrying cannot fix.
func NewPermanentError(err error) *Error {
	return &Error{Err: err, Retryable: false}
}

// IsRetryable reports whether err is a delivery error that may succeed on
// retry. Unknown errors count as retryable: an unclassified failure should
// not permanently halt a run.
func IsRetryable(err error) bool {
	var deliveryErr *Error
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Retryable
	}

	return true
}

// IsPermanent reports whether err is a delivery error retrying cannot fix.
func IsPermanent(err error) bool {
	var deliveryErr *Error
	if errors.As(err, &deliveryErr) {
		return !deliveryErr.Retryable
	}

	return false
}
