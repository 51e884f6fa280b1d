package llm

import (
	"fmt"
	"net/http"
)

// ProviderError describes a failed vendor API call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the call may succeed if repeated. Network
// failures, rate limits and server errors are retryable; auth and
// request-shape errors are not.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider string, statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// UnknownProviderError is returned when a request names a provider that
// is not registered.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	if e.Provider == "" {
		return "no llm provider registered"
	}
	return fmt.Sprintf("unknown llm provider: %q", e.Provider)
}

// NewUnknownProviderError creates an UnknownProviderError.
func NewUnknownProviderError(provider string) *UnknownProviderError {
	return &UnknownProviderError{Provider: provider}
}
