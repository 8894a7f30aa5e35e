package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrModelNotRegistered = errors.New("model not registered")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// Error kinds carried on ProviderError. The orchestrator's fallback
// decision matches on Retryable, callers may match on Kind.
const (
	KindAuthentication = "authentication_error"
	KindRateLimit      = "rate_limit_error"
	KindInvalidRequest = "invalid_request_error"
	KindNotFound       = "not_found_error"
	KindTimeout        = "timeout_error"
	KindTransport      = "transport_error"
	KindInternal       = "internal_error"
)

// ProviderError is the structured failure surfaced by provider adapters.
// Retryable failures trigger the orchestrator's fallback chain;
// non-retryable ones abort it.
type ProviderError struct {
	Kind       string `json:"kind"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"-"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, status=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

func NewAuthenticationError(provider, model, message string) *ProviderError {
	return &ProviderError{
		Kind:       KindAuthentication,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Retryable:  false,
	}
}

func NewRateLimitError(provider, model, message string) *ProviderError {
	return &ProviderError{
		Kind:       KindRateLimit,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Retryable:  true,
	}
}

func NewInvalidRequestError(provider, model, message string) *ProviderError {
	return &ProviderError{
		Kind:       KindInvalidRequest,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Retryable:  false,
	}
}

func NewTimeoutError(provider, model, message string) *ProviderError {
	return &ProviderError{
		Kind:       KindTimeout,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Retryable:  true,
	}
}

func NewTransportError(provider, model string, statusCode int, message string) *ProviderError {
	return &ProviderError{
		Kind:       KindTransport,
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  true,
	}
}

// MapHTTPError classifies a provider HTTP failure status into a
// ProviderError. Network-level failures map through NewTransportError
// with status 0 instead.
func MapHTTPError(provider, model string, statusCode int, body string) *ProviderError {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(provider, model, body)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, model, body)
	case statusCode == http.StatusRequestTimeout:
		return NewTimeoutError(provider, model, body)
	case statusCode >= 400 && statusCode < 500:
		return &ProviderError{
			Kind:       KindInvalidRequest,
			Provider:   provider,
			Model:      model,
			StatusCode: statusCode,
			Message:    body,
			Retryable:  false,
		}
	default:
		return NewTransportError(provider, model, statusCode, body)
	}
}

// IsRetryable reports whether err may succeed on a reattempt against the
// same or a different backend. Unclassified errors are treated as
// retryable transport failures.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// AllProvidersFailedError is the terminal failure after every fallback
// candidate has been exhausted. It wraps the last underlying error.
type AllProvidersFailedError struct {
	Model    string
	Attempts int
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all providers failed for model %s after %d attempts", e.Model, e.Attempts)
	}
	return fmt.Sprintf("all providers failed for model %s after %d attempts: %v", e.Model, e.Attempts, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}
