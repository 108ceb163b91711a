package core

import "errors"

var (
	// ErrInvalidOrder is returned when an incoming order fails validation
	ErrInvalidOrder = errors.New("invalid order")

	// ErrOrderExpired is returned when an incoming order is past its expiry
	ErrOrderExpired = errors.New("order expired")

	// ErrOverfill is returned when a fill would push filled_quantity above quantity
	ErrOverfill = errors.New("order over-fill")

	// ErrStaleOrder is returned when a compare-and-set update finds the stored
	// order no longer matches what the fill was computed against
	ErrStaleOrder = errors.New("stale order state")

	// ErrNotFound is returned by stores for missing rows
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing key
	ErrDuplicate = errors.New("duplicate key")
)
