package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrItemNotFound      = errors.New("item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPersistence       = errors.New("persistence failure")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrVersionConflict   = errors.New("version conflict")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StockError names the item a reservation failed on. Err is either
// ErrItemNotFound or ErrInsufficientStock.
type StockError struct {
	ItemID string
	Err    error
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.ItemID)
}

func (e *StockError) Unwrap() error { return e.Err }

func NotFound(itemID string) error {
	return &StockError{ItemID: itemID, Err: ErrItemNotFound}
}

func InsufficientStock(itemID string) error {
	return &StockError{ItemID: itemID, Err: ErrInsufficientStock}
}

// PersistenceError reports a store failure that survived retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// IsTerminal reports whether err is a definitive answer that retrying
// cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrDuplicateRequest)
}

// OffendingItem returns the item id carried by a StockError, if any.
func OffendingItem(err error) (string, bool) {
	var se *StockError
	if errors.As(err, &se) {
		return se.ItemID, true
	}
	return "", false
}
