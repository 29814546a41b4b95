package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
	ErrOffline          = errors.New("offline")
	ErrNoteNotFound     = errors.New("note not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DefaultErrorDetail is reported when the server error body carries
// no usable detail.
const DefaultErrorDetail = "An unknown error occurred"

// ErrorDetail is one entry of a structured error body.
type ErrorDetail struct {
	Attr   string `json:"attr"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int           `json:"status_code"`
	Type       string        `json:"type"`
	Errors     []ErrorDetail `json:"errors"`
}

// ParseAPIError builds an APIError from a response body. Bodies that do
// not follow the structured shape still produce an error carrying the
// status code.
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, apiErr)
	}
	apiErr.StatusCode = status
	return apiErr
}

// Detail returns the first error detail or a generic message.
func (e *APIError) Detail() string {
	for _, d := range e.Errors {
		if d.Detail != "" {
			return d.Detail
		}
	}
	return DefaultErrorDetail
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Type, e.Detail())
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Detail())
}

// TransportError wraps failures that never produced an HTTP response:
// timeouts, refused connections, DNS errors.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SyncError provides detailed job failure information.
type SyncError struct {
	Op     string
	NoteID int64
	JobID  string
	Err    error
}

func (e *SyncError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("sync %s: note %d: job %s: %v", e.Op, e.NoteID, e.JobID, e.Err)
	}
	return fmt.Sprintf("sync %s: note %d: %v", e.Op, e.NoteID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a connectivity failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsAPIError extracts an APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusUnauthorized
}

// IsRetriable reports whether a failed call may succeed if repeated.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if IsTransport(err) {
		return true
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	return retriableStatus(apiErr.StatusCode)
}

// IsValidation reports whether err is a structured client error that
// must be surfaced to the caller instead of retried.
func IsValidation(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	s := apiErr.StatusCode
	return s >= 400 && s < 500 && s != http.StatusUnauthorized && !retriableStatus(s)
}

// IsSessionEnded reports whether err means the user must sign in again.
func IsSessionEnded(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated) || IsUnauthorized(err)
}

func retriableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
