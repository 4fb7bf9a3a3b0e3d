package entitlement

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no entitlement record exists for the lookup key.
var ErrNotFound = errors.New("entitlement record not found")

// ErrCustomerRefMismatch is returned when a checkout event carries a billing
// customer reference that conflicts with the one already linked to the account.
var ErrCustomerRefMismatch = errors.New("billing customer ref already linked to a different value")

// StoreError wraps a storage failure. Callers on the metered path must treat
// it as fail-closed; the webhook path returns it so the provider redelivers.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("entitlement store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
