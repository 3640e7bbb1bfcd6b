package repositories

import (
	"errors"
	"fmt"
)

// StoreError implements RepositoryError for the memory and Postgres backends.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the record does not exist.
func (e *StoreError) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict reports whether the write lost against a concurrent writer or hit a uniqueness rule.
func (e *StoreError) IsConflict() bool { return e != nil && e.Conflict }

// IsUnavailable reports whether the backend could not be reached.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFoundError builds a not-found repository error.
func NewNotFoundError(op, what string) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%s not found", what), NotFound: true}
}

// NewConflictError builds a conflict repository error.
func NewConflictError(op string, err error) error {
	return &StoreError{Op: op, Err: err, Conflict: true}
}

// NewUnavailableError builds an unavailable repository error.
func NewUnavailableError(op string, err error) error {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

// IsNotFound reports whether err carries repository not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds the bucket's on-hand count.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorBucketNotFound indicates the bucket does not exist.
	InventoryErrorBucketNotFound InventoryErrorCode = "inventory_bucket_not_found"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(op string, code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Op: op, Code: code, Message: message, Err: err}
}

// GiftCardErrorCode enumerates reasons a gift card operation was refused.
type GiftCardErrorCode string

const (
	GiftCardErrorNotFound            GiftCardErrorCode = "gift_card_not_found"
	GiftCardErrorInactive            GiftCardErrorCode = "gift_card_inactive"
	GiftCardErrorExpired             GiftCardErrorCode = "gift_card_expired"
	GiftCardErrorInsufficientBalance GiftCardErrorCode = "gift_card_insufficient_balance"
	GiftCardErrorInvalidAmount       GiftCardErrorCode = "gift_card_invalid_amount"
)

// GiftCardError reports a refused gift card debit or credit.
type GiftCardError struct {
	Op      string
	Code    GiftCardErrorCode
	Message string
}

// Error implements the error interface.
func (e *GiftCardError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// NewGiftCardError constructs a typed gift card error.
func NewGiftCardError(op string, code GiftCardErrorCode, message string) *GiftCardError {
	if message == "" {
		message = string(code)
	}
	return &GiftCardError{Op: op, Code: code, Message: message}
}
