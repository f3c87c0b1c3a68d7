// Package domain holds the error vocabulary shared by the template lifecycle,
// the retry executor and the HTTP layer.
//
// Translation into HTTP status codes happens in the api package; everything
// below it returns these values (wrapped with %w where context helps).
package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel errors for common conditions.
var (
	ErrNotFound = errors.New("not found")
)

// FieldError describes one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError is returned for grammar and state-guard violations.
// It is never retried.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	codes := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		codes = append(codes, f.Code)
	}
	return fmt.Sprintf("validation failed: %s [%s]", e.Message, strings.Join(codes, ", "))
}

// TemplateInUseError is returned when a delete or edit is blocked because the
// template is referenced elsewhere or is in a protected state.
type TemplateInUseError struct {
	TemplateID string
	Reason     string
}

func (e *TemplateInUseError) Error() string {
	return fmt.Sprintf("template %s is in use: %s", e.TemplateID, e.Reason)
}

// ProviderRejectedError is a definitive negative answer from the provider.
type ProviderRejectedError struct {
	ProviderTemplateID string
	StatusCode         int
	Reason             string
}

func (e *ProviderRejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider rejected template (status %d): %s", e.StatusCode, e.Reason)
	}
	return "provider rejected template: " + e.Reason
}

// TransientProviderError wraps a timeout, rate limit, 5xx or network failure
// talking to the provider.
type TransientProviderError struct {
	Op          string
	StatusCode  int
	RateLimited bool
	Err         error
}

func (e *TransientProviderError) Error() string {
	switch {
	case e.RateLimited:
		return fmt.Sprintf("provider %s: rate limited: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// ProviderError is a provider failure that is neither a clear rejection nor
// a known transient condition. The provider may flag it as retryable.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// RetriesExhaustedError is returned once every attempt of a retryable
// operation has failed. It wraps the last error.
type RetriesExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err belongs to the transient failure set:
// network errors, timeouts, service unavailable, rate limiting, 5xx, or a
// provider error flagged retryable. Anything unknown is treated as fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		validation *ValidationError
		inUse      *TemplateInUseError
		rejected   *ProviderRejectedError
		exhausted  *RetriesExhaustedError
	)
	if errors.As(err, &validation) || errors.As(err, &inUse) ||
		errors.As(err, &rejected) || errors.As(err, &exhausted) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return true
	}

	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Retryable || IsRetryableStatus(provider.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// IsRetryableStatus reports whether an HTTP status from the provider is
// transient.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}
