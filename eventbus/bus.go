package eventbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/storyengine/observability"
)

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// subscription is the internal registration record.
type subscription struct {
	id       string
	pattern  string
	segments []string // nil for exact subscriptions
	priority int
	seq      uint64
	once     bool
	filter   func(*Event) bool
	timeout  time.Duration
	handler  HandlerFunc

	fired     atomic.Bool
	cancelled atomic.Bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithPriority sets delivery priority. Higher priorities are delivered
// first; ties are broken by subscription order.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) { s.priority = priority }
}

// WithOnce cancels the subscription after its first delivery.
func WithOnce() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// WithFilter delivers only events the predicate accepts.
func WithFilter(filter func(*Event) bool) SubscribeOption {
	return func(s *subscription) { s.filter = filter }
}

// WithHandlerTimeout bounds a single delivery. A handler that exceeds the
// timeout keeps running in the background; the timeout is reported as a
// handler error.
func WithHandlerTimeout(timeout time.Duration) SubscribeOption {
	return func(s *subscription) { s.timeout = timeout }
}

// =============================================================================
// IN-MEMORY BUS
// =============================================================================

// InMemoryBus is an in-memory implementation of Bus.
//
// Thread-safe event bus for single-process deployments.
//
// Features:
//   - Ordered synchronous fan-out (priority desc, subscription order)
//   - Glob pattern subscriptions (`*` one segment, `**` any suffix)
//   - Handler error and panic isolation with bus:handler_error events
//   - Per-type event history rings
//   - Request/response correlation over events
//   - Middleware chain for cross-cutting concerns
//
// Usage:
//
//	bus := NewInMemoryBus(0)
//
//	cancel := bus.Subscribe("orchestrator:stage:*", stageHandler)
//	defer cancel()
//
//	bus.Emit(ctx, EventStageStart, map[string]any{"stage": "intro"})
type InMemoryBus struct {
	exact      map[string][]*subscription
	wildcards  []*subscription
	middleware []Middleware
	history    *eventHistory
	nextSeq    uint64
	mu         sync.RWMutex

	emitted   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	byType    map[string]int64
	statsMu   sync.Mutex
}

// NewInMemoryBus creates a bus. historyCapacity <= 0 selects the default
// per-type retention of DefaultHistoryCapacity events.
func NewInMemoryBus(historyCapacity int) *InMemoryBus {
	return &InMemoryBus{
		exact:   make(map[string][]*subscription),
		history: newEventHistory(historyCapacity),
		byType:  make(map[string]int64),
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes a handler to an event name or glob pattern.
// Returns an idempotent cancel function.
func (b *InMemoryBus) Subscribe(pattern string, handler HandlerFunc, opts ...SubscribeOption) func() {
	sub := &subscription{
		id:      "sub_" + uuid.New().String()[:16],
		pattern: pattern,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	sub.seq = b.nextSeq
	b.nextSeq++
	if isPattern(pattern) {
		sub.segments = splitSegments(pattern)
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	b.mu.Unlock()

	return func() {
		if !sub.cancelled.CompareAndSwap(false, true) {
			return
		}
		b.removeSubscription(sub)
	}
}

// AddMiddleware adds middleware to the bus.
// Before runs in registration order, After in reverse order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// removeSubscription drops a subscription from the registry.
func (b *InMemoryBus) removeSubscription(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.segments != nil {
		for i, s := range b.wildcards {
			if s.id == sub.id {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				break
			}
		}
		return
	}
	subs := b.exact[sub.pattern]
	for i, s := range subs {
		if s.id == sub.id {
			b.exact[sub.pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.exact[sub.pattern]) == 0 {
		delete(b.exact, sub.pattern)
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Emit publishes an event to all matching subscribers and returns the
// aggregated handler error. Handler failures never abort delivery.
func (b *InMemoryBus) Emit(ctx context.Context, eventType string, payload any) error {
	return b.EmitEvent(ctx, NewEvent(eventType, payload))
}

// EmitAsync publishes on a background goroutine. The returned channel
// receives the aggregated delivery outcome and is then closed.
func (b *InMemoryBus) EmitAsync(ctx context.Context, eventType string, payload any) <-chan error {
	event := NewEvent(eventType, payload)
	done := make(chan error, 1)
	go func() {
		done <- b.EmitEvent(ctx, event)
		close(done)
	}()
	return done
}

// EmitEvent publishes a fully built event, preserving its id and source.
func (b *InMemoryBus) EmitEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Run middleware before
	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		return nil
	}
	event = processed

	b.recordEmission(event)

	// Snapshot matching subscriptions. Handlers registered during delivery
	// never see the in-flight event.
	matched := b.matching(event.Type)

	var handlerErrs []error
	for _, sub := range matched {
		if sub.cancelled.Load() {
			continue
		}
		if sub.once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			// Filtered-out events do not consume the single firing.
			if sub.once {
				sub.fired.Store(false)
			}
			continue
		}

		err := b.invoke(ctx, sub, event)
		b.delivered.Add(1)
		observability.RecordBusDelivery(event.Type)

		if err != nil {
			handlerErrs = append(handlerErrs, err)
			b.failed.Add(1)
			observability.RecordBusHandlerError(event.Type)
			b.publishHandlerError(ctx, event, sub, err)
		}

		if sub.once {
			sub.cancelled.Store(true)
			b.removeSubscription(sub)
		}
	}

	aggregated := errors.Join(handlerErrs...)

	// Run middleware after
	b.runMiddlewareAfter(ctx, event, aggregated)
	return aggregated
}

// matching snapshots the subscriptions that receive an event type, ordered
// by priority (descending) then subscription order.
func (b *InMemoryBus) matching(eventType string) []*subscription {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.exact[eventType]))
	matched = append(matched, b.exact[eventType]...)
	if len(b.wildcards) > 0 {
		segments := splitSegments(eventType)
		for _, sub := range b.wildcards {
			if matchSegments(sub.segments, segments) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// invoke runs a single handler with panic isolation and the optional
// per-subscription timeout.
func (b *InMemoryBus) invoke(ctx context.Context, sub *subscription, event *Event) error {
	if sub.timeout <= 0 {
		return safeInvoke(ctx, sub.handler, event)
	}

	done := make(chan error, 1)
	go func() {
		done <- safeInvoke(ctx, sub.handler, event)
	}()

	timer := time.NewTimer(sub.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return NewHandlerTimeoutError(event.Type, sub.id, sub.timeout)
	}
}

// safeInvoke converts handler panics into errors.
func safeInvoke(ctx context.Context, handler HandlerFunc, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerPanicError(event.Type, r)
		}
	}()
	return handler(ctx, event)
}

// publishHandlerError emits bus:handler_error for a failed delivery.
// Failures while delivering the error event itself are not re-reported.
func (b *InMemoryBus) publishHandlerError(ctx context.Context, event *Event, sub *subscription, err error) {
	if event.Type == EventHandlerError {
		return
	}
	errEvent := NewEventFrom("eventbus", EventHandlerError, map[string]any{
		"eventType":      event.Type,
		"error":          err.Error(),
		"subscriptionId": sub.id,
	})
	_ = b.EmitEvent(ctx, errEvent)
}

// recordEmission updates counters and history for an emitted event.
func (b *InMemoryBus) recordEmission(event *Event) {
	b.emitted.Add(1)
	b.statsMu.Lock()
	b.byType[event.Type]++
	b.statsMu.Unlock()
	observability.RecordBusEmission(event.Type)
	b.history.record(event)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// GetRecent returns up to limit retained events of a type, newest last.
func (b *InMemoryBus) GetRecent(eventType string, limit int) []*Event {
	return b.history.recent(eventType, limit)
}

// SubscriberCount counts subscriptions that would receive an event of the
// given concrete type.
func (b *InMemoryBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.exact[eventType])
	if len(b.wildcards) > 0 {
		segments := splitSegments(eventType)
		for _, sub := range b.wildcards {
			if matchSegments(sub.segments, segments) {
				count++
			}
		}
	}
	return count
}

// Stats returns delivery counters.
func (b *InMemoryBus) Stats() Stats {
	b.mu.RLock()
	active := len(b.wildcards)
	for _, subs := range b.exact {
		active += len(subs)
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	byType := make(map[string]int64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	b.statsMu.Unlock()

	return Stats{
		EventsEmitted:       b.emitted.Load(),
		EventsDelivered:     b.delivered.Load(),
		HandlerErrors:       b.failed.Load(),
		ActiveSubscriptions: active,
		EmittedByType:       byType,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear removes all subscriptions, middleware, history and counters.
// Useful for testing.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	b.exact = make(map[string][]*subscription)
	b.wildcards = nil
	b.middleware = nil
	b.mu.Unlock()

	b.history.clear()

	b.emitted.Store(0)
	b.delivered.Store(0)
	b.failed.Store(0)
	b.statsMu.Lock()
	b.byType = make(map[string]int64)
	b.statsMu.Unlock()
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// runMiddlewareBefore runs the middleware before chain.
func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, event *Event) (*Event, error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	current := event
	for _, mw := range middlewareCopy {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the middleware after chain (reverse order).
func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, event *Event, err error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	for i := len(middlewareCopy) - 1; i >= 0; i-- {
		middlewareCopy[i].After(ctx, event, err)
	}
}

// Ensure InMemoryBus implements Bus interface.
var _ Bus = (*InMemoryBus)(nil)
