// Package apperr defines the error taxonomy shared by the domain packages and
// its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("resource not found")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadyPaid       = errors.New("payment already settled")
	ErrAlreadyCompleted  = errors.New("already completed")
)

// Error carries the kind (Err), a client-facing message and optional field
// details. errors.Is(err, apperr.ErrNotFound) works through wrapping.
type Error struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input. details maps field name to problem.
func Validation(message string, details map[string]string) *Error {
	return &Error{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Validationf is Validation without field details.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...), nil)
}

func Conflict(format string, args ...any) *Error {
	return &Error{
		Err:        ErrConflict,
		Message:    fmt.Sprintf(format, args...),
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

func InvalidTransition(from, to string) *Error {
	return &Error{
		Err:        ErrInvalidTransition,
		Message:    fmt.Sprintf("cannot move patient from %s to %s", from, to),
		Code:       "INVALID_TRANSITION",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"from": from, "to": to},
	}
}

func NotFound(resource, id string) *Error {
	return &Error{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

func Forbidden(message string) *Error {
	return &Error{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

func AlreadyPaid(paymentID, status string) *Error {
	return &Error{
		Err:        ErrAlreadyPaid,
		Message:    fmt.Sprintf("payment is %s, only PENDING payments can be settled", status),
		Code:       "ALREADY_PAID",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"id": paymentID, "status": status},
	}
}

func AlreadyCompleted(resource, id string) *Error {
	return &Error{
		Err:        ErrAlreadyCompleted,
		Message:    fmt.Sprintf("%s is already completed", resource),
		Code:       "ALREADY_COMPLETED",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
