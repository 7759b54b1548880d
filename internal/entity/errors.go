package entity

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrCapacityExceeded  = errors.New("party is at capacity")
	ErrNoCandidatesFound = errors.New("no candidates found nearby")
	ErrAlreadyResolved   = errors.New("job already taken")
	// ErrSupplierAtCapacity is the supplier's limit, whoever is responding.
	ErrSupplierAtCapacity = fmt.Errorf("supplier is at capacity: %w", ErrCapacityExceeded)
	// ErrNotificationDeliveryFailed never aborts the change that triggered it.
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	ErrLedgerInvariant            = errors.New("ledger invariant violation")

	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrDuplicate       = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)
