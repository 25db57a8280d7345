// Package backend is the HTTP client for the cloud POS API, with
// automatic retry, backoff, and error classification. The sync engine is
// its only consumer; the gateway never talks to the backend directly.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, backend.ErrConflict) to check.
var (
	ErrBadRequest  = errors.New("backend: bad request")
	ErrAuthInvalid = errors.New("backend: credentials rejected")
	ErrNotFound    = errors.New("backend: not found")
	ErrConflict    = errors.New("backend: conflict")
	ErrThrottled   = errors.New("backend: throttled")
	ErrServerError = errors.New("backend: server error")
	ErrUnreachable = errors.New("backend: unreachable")
)

// APIError wraps a sentinel with the HTTP status, request ID, and the
// error body. Reason carries the backend's human-readable rejection
// message when the body follows the standard error envelope.
type APIError struct {
	StatusCode int
	RequestID  string
	Reason     string
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("backend: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Body)
	}

	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error. Returns
// nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthInvalid
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether an error from this package is worth
// retrying later: network failures, throttling, and server errors. A
// false return means the backend made a final decision.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError)
}

// reason extracts the message from the standard error envelope
// {"error":{"message":"..."}} or a bare {"message":"..."} body.
func reason(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}

	if envelope.Error.Message != "" {
		return envelope.Error.Message
	}

	return envelope.Message
}
