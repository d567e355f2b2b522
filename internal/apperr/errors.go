// Package apperr holds the error taxonomy shared by the realtime core and its REST collaborators.
//
// Each component converts failures at their origin into one of these types so callers can decide
// on a user-facing reaction without inspecting raw transport errors.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ConnectionError is a transport-level failure. The manager retries these with bounded backoff;
// Terminal reports that retries are exhausted.
type ConnectionError struct {
	Attempts int
	Final    bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Final {
		return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection attempt %d failed: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Terminal() bool { return e.Final }

// AuthError means the token was missing, expired or rejected. It is never retried; the caller
// has to re-authenticate.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError is a failed REST collaborator call. Status is 0 when no response was received.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ValidationError rejects input before any network round-trip.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Request(op string, status int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	return &RequestError{Op: op, Status: status, Err: err}
}

// IsAuth reports whether err is an AuthError or a RequestError rejected with 401/403.
func IsAuth(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden
	}
	return false
}

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsRequest(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
