package gmo

import (
	"errors"
	"fmt"
	"net/http"
)

// Message codes returned by the private API that the client reacts to.
const (
	codeRateLimited      = "ERR-5003"
	codeInvalidTimestamp = "ERR-5008"
	codeInvalidAPIKey    = "ERR-5009"
	codeInvalidSignature = "ERR-5010"
)

// APIError is an exchange-reported failure, normalized from the
// response envelope so callers never inspect raw status/messages pairs.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmo API error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Retryable reports whether the call may be retried as-is. Throttling
// and server-side errors are; auth and validation failures are not.
func (e *APIError) Retryable() bool {
	return e.Code == codeRateLimited || e.HTTPStatus >= http.StatusInternalServerError
}

// transientError wraps transport-level failures (timeouts, refused
// connections) that warrant a retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// IsRateLimited reports whether err is the exchange's throttling error.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeRateLimited
}

// IsAuth reports whether err is an authentication failure. These are
// never retried; the supervisor treats persistent ones as fatal.
func IsAuth(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codeInvalidTimestamp, codeInvalidAPIKey, codeInvalidSignature:
		return true
	}
	return apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden
}

// IsTransient reports whether err came from the transport layer or a
// retryable server-side condition rather than a rejected request.
func IsTransient(err error) bool {
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
