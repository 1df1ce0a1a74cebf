// Package svcerr defines the error taxonomy shared by the verification
// pipeline. Each error carries a stable code that the API layer maps to an
// HTTP status, so handlers never need to string-match error messages.
package svcerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a failure class in the verification pipeline.
type ErrorCode string

const (
	// INVALID_SOURCE marks a malformed audio source (bad extension,
	// unsupported URL scheme, missing local file).
	INVALID_SOURCE ErrorCode = "INVALID_SOURCE"

	// DOWNLOAD_FAILED marks a network or I/O failure while fetching remote
	// audio.
	DOWNLOAD_FAILED ErrorCode = "DOWNLOAD_FAILED"

	// VALIDATION_FAILED marks audio that violates size or format limits.
	VALIDATION_FAILED ErrorCode = "VALIDATION_FAILED"

	// MODEL_UNAVAILABLE marks a model load that exhausted its retries.
	MODEL_UNAVAILABLE ErrorCode = "MODEL_UNAVAILABLE"

	// EXTRACTION_ERROR marks an extractor-side failure on a specific file.
	EXTRACTION_ERROR ErrorCode = "EXTRACTION_ERROR"

	// TIMEOUT marks an external call that exceeded its deadline.
	TIMEOUT ErrorCode = "TIMEOUT"

	// INTERNAL_ERROR marks an unexpected failure.
	INTERNAL_ERROR ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded pipeline error.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a coded error.
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewInvalidSource creates an INVALID_SOURCE error.
func NewInvalidSource(message string) *Error {
	return New(INVALID_SOURCE, message, nil)
}

// NewDownloadFailed creates a DOWNLOAD_FAILED error.
func NewDownloadFailed(url string, cause error) *Error {
	return New(DOWNLOAD_FAILED, fmt.Sprintf("failed to download audio from %s", url), cause)
}

// NewValidationFailed creates a VALIDATION_FAILED error.
func NewValidationFailed(message string) *Error {
	return New(VALIDATION_FAILED, message, nil)
}

// NewModelUnavailable creates a MODEL_UNAVAILABLE error.
func NewModelUnavailable(attempts int, cause error) *Error {
	return New(MODEL_UNAVAILABLE, fmt.Sprintf("model load failed after %d attempts", attempts), cause)
}

// NewExtractionError creates an EXTRACTION_ERROR error.
func NewExtractionError(message string, cause error) *Error {
	return New(EXTRACTION_ERROR, message, cause)
}

// NewTimeout creates a TIMEOUT error.
func NewTimeout(operation string, cause error) *Error {
	return New(TIMEOUT, fmt.Sprintf("%s timed out", operation), cause)
}

// NewInternal creates an INTERNAL_ERROR error.
func NewInternal(cause error) *Error {
	return New(INTERNAL_ERROR, "internal error", cause)
}

// CodeOf extracts the error code from err, defaulting to INTERNAL_ERROR for
// errors outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return INTERNAL_ERROR
}

// HTTPStatus maps an error to the HTTP status the API layer should return.
// Input-shape problems are client errors; model and extractor failures are
// retryable service errors.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case INVALID_SOURCE, VALIDATION_FAILED:
		return http.StatusBadRequest
	case DOWNLOAD_FAILED:
		return http.StatusBadGateway
	case MODEL_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case TIMEOUT:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may retry the identical request and
// plausibly succeed, as opposed to fixing the input first.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case MODEL_UNAVAILABLE, EXTRACTION_ERROR, DOWNLOAD_FAILED, TIMEOUT, INTERNAL_ERROR:
		return true
	default:
		return false
	}
}
