package errors

import (
	stderrors "errors"
)

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsDuplicateDelivery reports whether err marks an insert that
// conflicted with an already-persisted row. Callers treat this as
// confirmed delivery, not a failure.
func IsDuplicateDelivery(err error) bool {
	return GetCode(err) == ErrCodeDuplicateDelivery
}

// IsConstraintViolation reports whether err is fatal for the message
// being sent (e.g. the session or user row no longer exists).
func IsConstraintViolation(err error) bool {
	return GetCode(err) == ErrCodeConstraintViolation
}

// IsValidation reports whether err was rejected before any I/O.
func IsValidation(err error) bool {
	return GetCode(err) == ErrCodeValidation
}
