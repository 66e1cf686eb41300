package ledger

import "errors"

// Error categories. Every error returned by the engine for a rejected
// operation matches exactly one of these with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var (
	ErrInvalidAmount      = categorized("amount must be positive with at most 2 decimal places", ErrValidation)
	ErrInvalidDisplayName = categorized("display name must be 1-100 characters", ErrValidation)
	ErrInvalidTitle       = categorized("title must be 1-200 characters", ErrValidation)
	ErrInvalidDescription = categorized("description must be at most 500 characters", ErrValidation)

	ErrUserNotFound  = categorized("user not found", ErrNotFound)
	ErrEventNotFound = categorized("event not found", ErrNotFound)

	ErrEventNotOpen         = categorized("event is not open for trading", ErrInvalidState)
	ErrEventAlreadyResolved = categorized("event is already resolved", ErrInvalidState)
)

// ledgerError carries its own message while unwrapping to its category.
type ledgerError struct {
	msg  string
	kind error
}

func categorized(msg string, kind error) error {
	return &ledgerError{msg: msg, kind: kind}
}

func (e *ledgerError) Error() string { return e.msg }

func (e *ledgerError) Unwrap() error { return e.kind }
