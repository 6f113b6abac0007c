package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by HTTP responses and the RPC wire format.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeValidation          = "VALIDATION_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeTransport           = "TRANSPORT_ERROR"
	CodeDuplicateSuppressed = "DUPLICATE_SUPPRESSED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewInvalidArgument(message string, details map[string]any) error {
	return NewDomainError(CodeInvalidArgument, message, http.StatusUnprocessableEntity, details)
}

// NewTimeout reports a call that saw no reply before its deadline.
func NewTimeout(operation string, details map[string]any) error {
	return NewDomainError(CodeTimeout, fmt.Sprintf("%s timed out", operation), http.StatusGatewayTimeout, details)
}

// NewTransportError wraps a broker failure.
func NewTransportError(message string, err error) error {
	return &DomainError{
		Code:       CodeTransport,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

func NewDuplicateSuppressed(message string, details map[string]any) error {
	return NewDomainError(CodeDuplicateSuppressed, message, http.StatusOK, details)
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// FromRemote rebuilds an error received over the wire so the caller sees
// the same code the remote service produced.
func FromRemote(code, message string) error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if message == "" {
		message = "remote call failed"
	}
	return NewDomainError(code, message, status, nil)
}

var statusByCode = map[string]int{
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidArgument:     http.StatusUnprocessableEntity,
	CodeValidation:          http.StatusBadRequest,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeTransport:           http.StatusBadGateway,
	CodeDuplicateSuppressed: http.StatusOK,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeConflict:            http.StatusConflict,
	CodeInternal:            http.StatusInternalServerError,
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout("request", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

func MapError(err error) error {
	return ToDomainError(err)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return false
	}
	return domainErr.Code == code
}

func IsNotFound(err error) bool  { return IsCode(err, CodeNotFound) }
func IsTimeout(err error) bool   { return IsCode(err, CodeTimeout) }
func IsTransport(err error) bool { return IsCode(err, CodeTransport) }
