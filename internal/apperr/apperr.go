// Package apperr builds the error envelopes returned to administrative callers.
package apperr

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes surfaced in API error bodies.
const (
	CodeNotFound      = "RESOURCE_NOT_FOUND"
	CodeDuplicate     = "DUPLICATE_RESOURCE"
	CodeLimitExceeded = "RESOURCE_LIMIT_EXCEEDED"
	CodeInvalid       = "INVALID_REQUEST"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInternal      = "INTERNAL_SERVER_ERROR"
)

// NotFound is used both for missing resources and for resources owned by
// someone else, so callers cannot probe for ids they do not own.
func NotFound(resource, id string) error {
	return goerrors.New(resource+" not found: "+id, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(CodeNotFound)
}

func DuplicateResource(message string) error {
	return goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(CodeDuplicate)
}

func LimitExceeded(message string) error {
	return goerrors.New(message, goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(CodeLimitExceeded)
}

// InvalidRequest reports a single offending field.
func InvalidRequest(field, message string) error {
	return goerrors.NewValidation(message, goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeInvalid)
}

func Unauthorized(message string) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(CodeUnauthorized)
}

// Internal wraps an unexpected failure. The cause is kept for logging but the
// message shown to callers stays generic.
func Internal(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
}

// Status resolves the HTTP status, text code and public message for err.
// Errors that are not envelopes map to 500.
func Status(err error) (int, string, string) {
	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.Code != 0 {
		return rich.Code, rich.TextCode, rich.Message
	}
	return http.StatusInternalServerError, CodeInternal, "internal server error"
}

// Is reports whether err carries the given text code.
func Is(err error, code string) bool {
	var rich *goerrors.Error
	return errors.As(err, &rich) && rich.TextCode == code
}
