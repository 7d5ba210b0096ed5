package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	Provider    string
	Model       string
	ProviderErr error // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeServer          ErrorType = "server"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeGeneration      ErrorType = "generation"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeCancelled       ErrorType = "cancelled"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Sentinels for errors.Is. They match any *Error of the same Type.
var (
	ErrAuthentication = &Error{Type: ErrorTypeAuthentication, Message: "authentication failed"}
	ErrRateLimit      = &Error{Type: ErrorTypeRateLimit, Message: "rate limited"}
	ErrGeneration     = &Error{Type: ErrorTypeGeneration, Message: "generation failed"}
	ErrValidation     = &Error{Type: ErrorTypeValidation, Message: "invalid input"}
	ErrCancelled      = &Error{Type: ErrorTypeCancelled, Message: "cancelled"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.ProviderErr != nil {
		return msg + ": " + e.ProviderErr.Error()
	}
	return msg
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// Is matches errors of the same Type so that sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return hasType(err, ErrorTypeRateLimit)
}

// IsRequestTooLargeError checks if an error is a request too large error.
func IsRequestTooLargeError(err error) bool {
	return hasType(err, ErrorTypeRequestTooLarge)
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	return hasType(err, ErrorTypeAuthentication)
}

// IsValidationError checks if an error is a local validation error.
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsCancelled checks if an error reports a cancelled call.
func IsCancelled(err error) bool {
	return hasType(err, ErrorTypeCancelled)
}

// hasType walks the whole chain, so a generation error wrapping a rate
// limit error answers true for both types.
func hasType(err error, typ ErrorType) bool {
	return errors.Is(err, &Error{Type: typ})
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		StatusCode:  http.StatusTooManyRequests,
		ProviderErr: providerErr,
	}
}

// NewRequestTooLargeError creates a new request too large error.
func NewRequestTooLargeError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRequestTooLarge,
		Message:     message,
		Retryable:   false,
		StatusCode:  http.StatusRequestEntityTooLarge,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewAuthenticationError creates a credential validation failure.
func NewAuthenticationError(provider string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeAuthentication,
		Message:     "authentication failed",
		Provider:    provider,
		ProviderErr: cause,
	}
}

// NewValidationError creates an error for input rejected before any network call.
func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewCancelledError creates an error for a call aborted by its context.
func NewCancelledError(cause error) *Error {
	return &Error{
		Type:        ErrorTypeCancelled,
		Message:     "request cancelled",
		ProviderErr: cause,
	}
}

// NewGenerationError wraps the final failure of a call. The cause stays
// reachable through errors.Is and errors.As.
func NewGenerationError(provider, model string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeGeneration,
		Message:     "generation failed",
		Provider:    provider,
		Model:       model,
		ProviderErr: cause,
	}
}

// NewStatusError maps an HTTP status returned by a provider onto the taxonomy.
func NewStatusError(provider string, status int, message string, cause error) *Error {
	e := &Error{
		Message:     message,
		StatusCode:  status,
		Provider:    provider,
		ProviderErr: cause,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = ErrorTypeAuthentication
	case status == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
		e.Retryable = true
	case status == http.StatusRequestEntityTooLarge:
		e.Type = ErrorTypeRequestTooLarge
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		e.Type = ErrorTypeInvalidRequest
	case status >= http.StatusInternalServerError:
		e.Type = ErrorTypeServer
		e.Retryable = true
	default:
		e.Type = ErrorTypeProvider
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ClassifyTransportError buckets errors raised below HTTP: timeouts and
// connection failures come back as retryable *Error values, anything else
// is returned unchanged.
func ClassifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeTimeout, Message: "request timed out", Retryable: true, Provider: provider, ProviderErr: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Type: ErrorTypeTimeout, Message: "request timed out", Retryable: true, Provider: provider, ProviderErr: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr),
		errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &Error{Type: ErrorTypeNetwork, Message: "connection failed", Retryable: true, Provider: provider, ProviderErr: err}
	}
	return err
}
