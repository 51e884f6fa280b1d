// Package eventbus middleware implementations.
//
// Middleware intercepts events before/after delivery for cross-cutting
// concerns. Delivery metrics and history are built into the bus itself;
// middleware covers what varies per deployment.
package eventbus

import (
	"context"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all event traffic through a Logger.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = NopLogger{}
	}
	return &LoggingMiddleware{logger: logger.Bind("component", "eventbus")}
}

// Before logs event emission.
func (m *LoggingMiddleware) Before(ctx context.Context, event *Event) (*Event, error) {
	m.logger.Debug("event_emitted", "type", event.Type, "id", event.ID, "source", event.Source)
	return event, nil
}

// After logs delivery failures.
func (m *LoggingMiddleware) After(ctx context.Context, event *Event, err error) {
	if err != nil {
		m.logger.Warning("event_delivery_failed", "type", event.Type, "error", err.Error())
	}
}

// Ensure LoggingMiddleware implements Middleware.
var _ Middleware = (*LoggingMiddleware)(nil)
