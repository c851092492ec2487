// Package relayerr defines the typed operation failures shared by the
// engine, the queue registry and the HTTP transport. Codes are stable
// strings; transports map them to wire status codes.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidState  Code = "INVALID_STATE"
	CodeLockLost      Code = "LOCK_LOST"
	CodeUpdateFailed  Code = "UPDATE_FAILED"
	CodeQueueNotFound Code = "QUEUE_NOT_FOUND"
	CodeQueueNotEmpty Code = "QUEUE_NOT_EMPTY"
	CodeValidation    Code = "VALIDATION"
	CodeInternal      Code = "INTERNAL"
)

// Error is a tagged operation failure.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a tagged failure.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is lets errors.Is match two tagged failures by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus maps a failure code to its wire status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound, CodeQueueNotFound:
		return http.StatusNotFound
	case CodeLockLost, CodeUpdateFailed, CodeQueueNotEmpty:
		return http.StatusConflict
	case CodeInvalidState:
		return http.StatusBadRequest
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
