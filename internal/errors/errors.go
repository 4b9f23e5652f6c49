// Package errors provides structured error types for the chat client.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout               = errors.New("operation timed out")
	ErrRateLimit             = errors.New("rate limit exceeded")
	ErrNotFound              = errors.New("resource not found")
	ErrUnavailable           = errors.New("service unavailable")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrMalformedFrame        = errors.New("malformed frame")
	ErrImageTooLarge         = errors.New("image too large")
	ErrNotImage              = errors.New("payload is not an image")
	ErrEmptyInput            = errors.New("empty input")
	ErrBusy                  = errors.New("agent is busy")
	ErrDisconnected          = errors.New("session disconnected")
	ErrNotDisconnected       = errors.New("no disconnect to recover from")
	ErrStaleHandle           = errors.New("connection handle superseded")
	ErrClosed                = errors.New("connection manager closed")
)

// APIError represents an error from the chat persistence API.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error. 404 responses wrap ErrNotFound.
func NewAPIError(service string, statusCode int, message string) *APIError {
	e := &APIError{Service: service, StatusCode: statusCode, Message: message}
	if statusCode == 404 {
		e.Err = ErrNotFound
	}
	return e
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
