package resource

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientResources indicates that a reservation could not be
	// satisfied from the remaining capacity. Use errors.Is against this and
	// errors.As against *InsufficientResourcesError for details.
	ErrInsufficientResources = errors.New("insufficient resources available")

	// ErrCapacityExceeded indicates recorded allocations exceeding node
	// capacity while restoring state after an agent restart. This is an
	// invariant violation, not a rejectable request.
	ErrCapacityExceeded = errors.New("recorded allocations exceed node capacity")
)

// InsufficientResourcesError reports the first slot kind that could not be
// satisfied, with the requested and available quantities.
type InsufficientResourcesError struct {
	Slot      SlotName
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient %q slots: requested %s, available %s",
		e.Slot, e.Requested, e.Available)
}

func (e *InsufficientResourcesError) Unwrap() error {
	return ErrInsufficientResources
}
