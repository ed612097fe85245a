// Package apperr defines the error taxonomy shared by every component.
// Errors carry a kind, a stable code string, and an optional cause that is never shown to callers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindExternalService Kind = "external_service"
	KindBusinessRule    Kind = "business_rule"
	KindCache           Kind = "cache"
	KindCircuitOpen     Kind = "circuit_open"
	KindInternal        Kind = "internal"
)

// Stable codes used across the service
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeDrugNotFound       = "DRUG_NOT_FOUND"
	CodePackagesNotFound   = "PACKAGES_NOT_FOUND"
	CodeNoViablePackage    = "NO_VIABLE_PACKAGE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeCacheFailure       = "CACHE_FAILURE"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeInternal           = "INTERNAL_ERROR"
)

// Error is a classified error with context
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails returns a copy of the error carrying the given details
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Validation reports malformed input
func Validation(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Message: message, Details: details}
}

// NotFound reports an absent drug, identifier or package
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// ExternalService reports an unavailable or failing backend
func ExternalService(service string, cause error) *Error {
	return &Error{
		Kind:    KindExternalService,
		Code:    CodeServiceUnavailable,
		Message: service + " is unavailable",
		Cause:   cause,
	}
}

// BusinessRule reports that no viable result satisfies the request
func BusinessRule(code, message string) *Error {
	return &Error{Kind: KindBusinessRule, Code: code, Message: message}
}

// Cache reports a backing store failure. Never propagated past the cache.
func Cache(op string, cause error) *Error {
	return &Error{Kind: KindCache, Code: CodeCacheFailure, Message: "cache " + op + " failed", Cause: cause}
}

// CircuitOpen reports a short-circuited call. Internal signal only.
func CircuitOpen(name string, cause error) *Error {
	return &Error{Kind: KindCircuitOpen, Code: CodeCircuitOpen, Message: "circuit " + name + " is open", Cause: cause}
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// From normalizes any error into the taxonomy. Unclassified errors become
// internal errors with a generic message so backend text never leaks.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindCache, KindInternal:
			return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Cause: err}
		case KindCircuitOpen:
			return &Error{Kind: KindExternalService, Code: CodeServiceUnavailable, Message: "service is unavailable", Cause: err}
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindExternalService, Code: CodeServiceUnavailable, Message: "upstream timeout", Cause: err}
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Cause: err}
}

// Status maps an error to an HTTP status code
func Status(err error) int {
	e := From(err)
	if e == nil {
		return http.StatusOK
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindExternalService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
