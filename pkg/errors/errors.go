package apperrors

import "errors"

// Standardized engine and venue errors
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrderID    = errors.New("remote order id already bound to another slot")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrInvalidGrid         = errors.New("invalid grid")
	ErrVenueUnavailable    = errors.New("venue unavailable")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBatchRejected       = errors.New("batch rejected")
	ErrChecksumMismatch    = errors.New("checksum verification failed: data corruption detected")
	ErrMissingCredentials  = errors.New("missing account credentials")
	ErrResultCountMismatch = errors.New("batch result count does not match submitted operations")
)
