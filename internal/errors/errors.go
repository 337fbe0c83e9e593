// Package errors defines typed service errors with HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a service error.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeInvalidInput Code = "invalid_input"
	CodeRateLimited  Code = "rate_limited"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal"
	CodeUnavailable  Code = "unavailable"
)

// ServiceError is an error with a stable code and a user-safe message.
type ServiceError struct {
	Code    Code
	Message string
	cause   error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// HTTPStatus maps the error code to an HTTP status.
func (e *ServiceError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Unauthorized(msg string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: msg}
}

func NotFound(msg string) *ServiceError {
	return &ServiceError{Code: CodeNotFound, Message: msg}
}

func InvalidInput(msg string) *ServiceError {
	return &ServiceError{Code: CodeInvalidInput, Message: msg}
}

func RateLimited(msg string) *ServiceError {
	return &ServiceError{Code: CodeRateLimited, Message: msg}
}

func Conflict(msg string) *ServiceError {
	return &ServiceError{Code: CodeConflict, Message: msg}
}

func Internal(msg string, cause error) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: msg, cause: cause}
}

// AsService extracts a ServiceError from err, wrapping unknown errors as
// internal.
func AsService(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return &ServiceError{Code: CodeInternal, Message: "internal error", cause: err}
}
