// Package apierror defines the status-code taxonomy the HTTP frontend maps
// core-package errors onto. It is intentionally small: a single
// typed error carrying the HTTP status the frontend should answer with and a
// message safe to relay to the client.
package apierror

import "net/http"

// Error is a taxonomy member: an abstract outcome with an HTTP status and a
// client-safe message. It is not tied to any specific upstream's wire format.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// BadRequest (400): malformed message content, non-text parts.
func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "bad_request", Message: msg}
}

// Unauthenticated (401): no / invalid proxy API key.
func Unauthenticated(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "unauthenticated", Message: msg}
}

// PaymentRequired (402): insufficient credits at admission.
func PaymentRequired(msg string) *Error {
	return &Error{Status: http.StatusPaymentRequired, Code: "insufficient_credits", Message: msg}
}

// Forbidden (403): disabled key.
func Forbidden(msg string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "key_disabled", Message: msg}
}

// RateLimited (429): every provider declined.
func RateLimited(msg string) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: msg}
}

// Unavailable (503): no provider currently usable.
func Unavailable(msg string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: "no_provider_available", Message: msg}
}

// Upstream wraps a relayed upstream status and body.
func Upstream(status int, body string) *Error {
	return &Error{Status: status, Code: "upstream_error", Message: body}
}

// Internal (500): any unhandled fault.
func Internal(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: msg}
}
