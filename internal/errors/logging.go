package errors

import (
	stderrors "errors"

	"github.com/sirupsen/logrus"
)

// EntryWithError returns a logrus entry carrying the structured fields
// of an AppError (code, retryable, context) when err is one.
func EntryWithError(logger *logrus.Logger, err error) *logrus.Entry {
	entry := logger.WithError(err)

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}

	return entry
}
