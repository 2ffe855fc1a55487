package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord is returned when a record already exists for a key.
	ErrDuplicateRecord = errors.New("duplicate payment record")

	// ErrRecordNotFound is returned when no record exists for a key or id.
	ErrRecordNotFound = errors.New("payment record not found")

	// ErrStaleTransition is returned when a state transition loses the
	// persistence race: the record is no longer in the expected state.
	ErrStaleTransition = errors.New("stale state transition")

	// ErrUnknownFederation is returned when a payment names a federation the
	// registry does not know.
	ErrUnknownFederation = errors.New("unknown federation")

	// ErrIntentNotFound is returned when no payment intent exists for a hash.
	ErrIntentNotFound = errors.New("payment intent not found")
)

// TransientError wraps a failure worth retrying: the operation may succeed
// later without any change on our side. Scope says which collaborator failed.
type TransientError struct {
	Scope string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Scope, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transientf(scope string, format string, args ...any) error {
	return &TransientError{Scope: scope, Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err (or anything it wraps) is retry-worthy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectionError is a definitive refusal from the federation. Retrying
// cannot help; the record moves to a terminal state.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("federation rejected: %s", e.Reason)
}

// IsRejection reports whether err is a definitive federation refusal and
// returns the reason when it is.
func IsRejection(err error) (string, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
