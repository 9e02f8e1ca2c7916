// Package apierror classifies internal failures into the small error
// taxonomy the HTTP boundary (gateway, router) must report to callers.
// Internal layers keep using plain wrapped errors; only code that writes
// an HTTP response needs to know about this package.
package apierror

import "net/http"

// Kind is one of the error categories spec.md's error handling section
// names; it determines the HTTP status code and the OpenAI-style
// error.type field returned to clients.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request_error"
	KindNotFound         Kind = "not_found_error"
	KindNoCapacity       Kind = "no_capacity_error"
	KindUpstreamError    Kind = "upstream_error"
	KindUpstreamTimeout  Kind = "upstream_timeout_error"
	KindUnauthorized     Kind = "unauthorized_error"
	KindForbidden        Kind = "forbidden_error"
	KindInternal         Kind = "internal_error"
	KindUnavailable      Kind = "store_unavailable_error"
)

// Error is the typed error the HTTP boundary translates into a response
// body. Code is an optional machine-readable sub-code (e.g. "model_not_found").
type Error struct {
	Kind    Kind
	Message string
	Code    string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause, preserving it
// for errors.Is/errors.As while presenting message to callers.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// HTTPStatus maps a Kind to the status code the gateway/router should
// return.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNoCapacity:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the OpenAI-compatible {"error": {...}} response shape.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner object of Body.
type BodyError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ToBody renders an Error (or any error, generically classified as
// internal) into the wire body clients expect.
func ToBody(err error) (int, Body) {
	if e, ok := err.(*Error); ok {
		return e.Kind.HTTPStatus(), Body{Error: BodyError{
			Type:    string(e.Kind),
			Message: e.Message,
			Code:    e.Code,
		}}
	}
	return http.StatusInternalServerError, Body{Error: BodyError{
		Type:    string(KindInternal),
		Message: "internal error",
	}}
}
