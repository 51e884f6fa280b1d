package eventbus

import (
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// BusError is the base error type for bus errors.
type BusError struct {
	Message string
	Cause   error
}

func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BusError) Unwrap() error {
	return e.Cause
}

// HandlerPanicError is raised when a subscriber panics during delivery.
// The panic is recovered; delivery to other subscribers continues.
type HandlerPanicError struct {
	EventType string
	Recovered any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panicked for %s: %v", e.EventType, e.Recovered)
}

// NewHandlerPanicError creates a new HandlerPanicError.
func NewHandlerPanicError(eventType string, recovered any) *HandlerPanicError {
	return &HandlerPanicError{EventType: eventType, Recovered: recovered}
}

// HandlerTimeoutError is raised when a subscriber exceeds its configured
// handler timeout. The handler keeps running in the background.
type HandlerTimeoutError struct {
	EventType      string
	SubscriptionID string
	Timeout        time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %.2fs for %s", e.SubscriptionID, e.Timeout.Seconds(), e.EventType)
}

// NewHandlerTimeoutError creates a new HandlerTimeoutError.
func NewHandlerTimeoutError(eventType, subscriptionID string, timeout time.Duration) *HandlerTimeoutError {
	return &HandlerTimeoutError{EventType: eventType, SubscriptionID: subscriptionID, Timeout: timeout}
}

// RequestTimeoutError is raised when a bus request sees no correlated
// response before its deadline.
type RequestTimeoutError struct {
	RequestType string
	ResultType  string
	Timeout     time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %.2fs waiting for %s", e.RequestType, e.Timeout.Seconds(), e.ResultType)
}

// NewRequestTimeoutError creates a new RequestTimeoutError.
func NewRequestTimeoutError(requestType, resultType string, timeout time.Duration) *RequestTimeoutError {
	return &RequestTimeoutError{RequestType: requestType, ResultType: resultType, Timeout: timeout}
}
