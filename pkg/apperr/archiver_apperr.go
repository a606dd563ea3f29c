// Package apperr defines structured errors for the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeForbidden        = "FORBIDDEN"

	CodeBadRequest   = "BAD_REQUEST"
	CodeMissingField = "MISSING_FIELD"

	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	CodeDatabaseError = "DATABASE_ERROR"
	CodeRemoteError   = "REMOTE_ERROR"
	CodeSyncFailed    = "SYNC_FAILED"

	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func InvalidSignature() *AppError {
	return &AppError{
		Code:    CodeInvalidSignature,
		Message: "webhook signature verification failed",
		Status:  http.StatusUnauthorized,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource), Status: http.StatusNotFound}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func RemoteError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeRemoteError,
		Message: fmt.Sprintf("remote mail service error: %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func SyncFailed(err error) *AppError {
	return &AppError{
		Code:    CodeSyncFailed,
		Message: "sync operation failed",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Internal(message string, err error) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{Code: CodeInternalError, Message: message, Status: http.StatusInternalServerError, Err: err}
}

func Unavailable(message string) *AppError {
	return &AppError{Code: CodeUnavailable, Message: message, Status: http.StatusServiceUnavailable}
}
