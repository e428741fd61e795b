package lease

import (
	"errors"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

// LeaseHeldError indicates a lease could not be acquired because it is held by another contender.
type LeaseHeldError struct {
	Key Key
}

func (e *LeaseHeldError) Error() string {
	return "lease held"
}

// Unwrap lets errors.Is match ErrConditionFailed.
func (e *LeaseHeldError) Unwrap() error { return customerrors.ErrConditionFailed }

// LeaseNotOwnedError indicates the caller's token no longer owns the lease,
// either because it expired and was taken over or because the token is wrong.
type LeaseNotOwnedError struct {
	Key Key
}

func (e *LeaseNotOwnedError) Error() string {
	return "lease not owned"
}

// Unwrap lets errors.Is match ErrConditionFailed.
func (e *LeaseNotOwnedError) Unwrap() error { return customerrors.ErrConditionFailed }

func IsLeaseHeld(err error) bool {
	var target *LeaseHeldError
	return errors.As(err, &target)
}

func IsLeaseNotOwned(err error) bool {
	var target *LeaseNotOwnedError
	return errors.As(err, &target)
}
