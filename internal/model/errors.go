package model

import "errors"

var (
	// ErrInsufficientBalance covers both a short balance and an exhausted
	// daily window. Callers map it to a payment-required response.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrDailyLimitExceeded  = error(&limitError{msg: "daily token limit exceeded"})

	// ErrUnknownOperation is returned for an operation kind missing from the
	// cost table.
	ErrUnknownOperation = errors.New("unknown operation")

	ErrNotFound        = errors.New("not found")
	ErrInvalidAmount   = errors.New("amount must be a positive integer")
	ErrInvalidUser     = errors.New("user id is required")
	ErrInvalidReason   = errors.New("reason is required")
	ErrAlreadyRefunded = errors.New("entry already refunded")
	ErrNotRefundable   = errors.New("only debit entries can be refunded")
	ErrUnknownPlan     = errors.New("unknown plan")

	// ErrStorage wraps failures of the underlying persistence. The whole
	// operation is safe to retry.
	ErrStorage = errors.New("storage failure")
)

// limitError lets errors.Is(err, ErrInsufficientBalance) hold for a daily
// limit rejection while keeping the two causes distinguishable.
type limitError struct{ msg string }

func (e *limitError) Error() string { return e.msg }

func (e *limitError) Is(target error) bool { return target == ErrInsufficientBalance }

// ErrorCode returns the stable code surfaced to API callers.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDailyLimitExceeded):
		return "DAILY_LIMIT_EXCEEDED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_TOKENS"
	case errors.Is(err, ErrUnknownOperation):
		return "UNKNOWN_OPERATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyRefunded):
		return "ALREADY_REFUNDED"
	case errors.Is(err, ErrStorage):
		return "STORAGE_UNAVAILABLE"
	default:
		return "INVALID_OPERATION"
	}
}
