// Package eventbus provides the typed publish/subscribe bus and its protocols.
//
// This module defines the CANONICAL protocols for the adventure platform.
// All components depend on these protocols, not implementations.
//
// Protocol Categories:
//   - Bus Protocols: Event, Handler, Middleware, Bus
//   - Logging Protocol: Logger
//
// The bus is the only transport between components: agents, judges, the
// proposal manager, the vote collector, the DAG runner and the phase machine
// all communicate through events. Delivery is synchronous and ordered so
// that control-plane sequences (request, submit, completion) stay
// deterministic.
package eventbus

import (
	"context"
	"time"
)

// =============================================================================
// BUS PROTOCOLS
// =============================================================================

// HandlerFunc is the protocol for event handlers.
// Handlers receive the delivered event and report failures via error.
type HandlerFunc func(ctx context.Context, event *Event) error

// Middleware is the protocol for bus middleware.
// Middleware can intercept events before/after delivery.
// Used for logging, telemetry, filtering, etc.
type Middleware interface {
	// Before is called before an event is delivered.
	// Returns the (possibly modified) event, or nil to abort delivery.
	Before(ctx context.Context, event *Event) (*Event, error)

	// After is called after delivery with the aggregated handler error.
	After(ctx context.Context, event *Event, err error)
}

// Bus is the protocol for the event bus.
//
// The bus provides three messaging patterns:
//   - Emit: synchronous fan-out to all matching subscribers, in order
//   - EmitAsync: the same delivery on a background goroutine
//   - Request: request/response correlated by requestId
//
// Subscriptions may be exact event names or glob patterns where `*` matches
// one segment and `**` matches any suffix. Segments are separated by `.`
// or `:`.
type Bus interface {
	// ==========================================================================
	// MESSAGING
	// ==========================================================================

	// Emit publishes an event to all matching subscribers and returns the
	// aggregated handler error. Handler failures never abort delivery.
	Emit(ctx context.Context, eventType string, payload any) error

	// EmitEvent publishes a fully built event, preserving its id and source.
	EmitEvent(ctx context.Context, event *Event) error

	// EmitAsync publishes on a background goroutine. The returned channel
	// receives the aggregated delivery outcome and is then closed.
	EmitAsync(ctx context.Context, eventType string, payload any) <-chan error

	// Request emits requestType with an injected requestId and waits for a
	// resultType event carrying the same requestId.
	Request(ctx context.Context, requestType string, payload map[string]any, resultType string, timeout time.Duration) (map[string]any, error)

	// ==========================================================================
	// REGISTRATION
	// ==========================================================================

	// Subscribe subscribes a handler to an event name or pattern.
	// Returns an idempotent cancel function.
	Subscribe(pattern string, handler HandlerFunc, opts ...SubscribeOption) func()

	// AddMiddleware adds middleware to the bus.
	// Before runs in registration order, After in reverse order.
	AddMiddleware(middleware Middleware)

	// ==========================================================================
	// INTROSPECTION
	// ==========================================================================

	// GetRecent returns up to limit retained events of a type, newest last.
	GetRecent(eventType string, limit int) []*Event

	// SubscriberCount counts subscriptions that would receive an event of
	// the given concrete type.
	SubscriberCount(eventType string) int

	// Stats returns delivery counters.
	Stats() Stats

	// Clear removes all subscriptions, middleware, history and counters.
	Clear()
}

// Stats holds in-memory bus counters.
type Stats struct {
	EventsEmitted       int64            `json:"events_emitted"`
	EventsDelivered     int64            `json:"events_delivered"`
	HandlerErrors       int64            `json:"handler_errors"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
	EmittedByType       map[string]int64 `json:"emitted_by_type"`
}

// =============================================================================
// LOGGING PROTOCOL
// =============================================================================

// Logger is the canonical protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
	Bind(args ...any) Logger
}

// NopLogger is a Logger that discards everything.
// Useful as a default for components constructed without a logger.
type NopLogger struct{}

func (NopLogger) Debug(msg string, args ...any)   {}
func (NopLogger) Info(msg string, args ...any)    {}
func (NopLogger) Warning(msg string, args ...any) {}
func (NopLogger) Error(msg string, args ...any)   {}
func (NopLogger) Bind(args ...any) Logger         { return NopLogger{} }

// Ensure NopLogger implements Logger.
var _ Logger = NopLogger{}
