package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

const defaultResponderTimeout = 15 * time.Second

// Responder serves simulation requests over the bus. It subscribes to
// orchestrator:mcp:request, resolves the client for payload.mcpService,
// runs the call on its own goroutine and answers on
// orchestrator:mcp:result correlated by requestId.
//
// An invocation prefers a direct tool call when mode is "method" or no
// tool name is given; otherwise the tool runs through ExecuteCommand
// with the option fields merged in.
type Responder struct {
	bus      eventbus.Bus
	registry *Registry
	logger   eventbus.Logger
	enabled  func() bool

	mu          sync.Mutex
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	mocks       map[string]*MockClient
	wg          sync.WaitGroup
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithGate routes requests to per-service mock clients while gate
// reports false. Live simulation calls resume as soon as it reports
// true again.
func WithGate(gate func() bool) ResponderOption {
	return func(r *Responder) {
		r.enabled = gate
	}
}

// NewResponder creates an MCP responder over a client registry.
func NewResponder(bus eventbus.Bus, registry *Registry, logger eventbus.Logger, opts ...ResponderOption) *Responder {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	r := &Responder{
		bus:      bus,
		registry: registry,
		logger:   logger.Bind("component", "mcp"),
		mocks:    make(map[string]*MockClient),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to simulation requests.
func (r *Responder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.unsubscribe = r.bus.Subscribe(eventbus.EventMCPRequest, r.handleRequest)
	r.logger.Info("mcp_responder_started", "services", r.registry.Names())
}

// Stop unsubscribes, cancels in-flight calls and waits for workers.
func (r *Responder) Stop() {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Responder) handleRequest(_ context.Context, event *eventbus.Event) error {
	request := event.PayloadMap()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(request)
	}()
	return nil
}

func (r *Responder) process(request map[string]any) {
	requestID := typeutil.SafeStringDefault(request["requestId"], "")
	inner, ok := typeutil.SafeMapStringAny(request["payload"])
	if !ok {
		inner = request
	}
	service := typeutil.SafeStringDefault(inner["mcpService"],
		typeutil.SafeStringDefault(inner["service"], ""))

	timeout := typeutil.SafeDurationMSDefault(request["timeoutMs"], defaultResponderTimeout)
	ctx, cancel := context.WithTimeout(r.baseCtx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "mcp.request")
	defer span.End()
	span.SetAttributes(attribute.String("adventure.mcp.service", service))

	client, err := r.selectClient(service)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emitError(requestID, service, err)
		return
	}

	start := time.Now()
	result, err := r.invoke(ctx, client, inner)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warning("mcp_request_failed",
			"requestId", requestID,
			"service", service,
			"error", err)
		r.emitError(requestID, service, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	payload := map[string]any{
		"requestId":    requestID,
		"mcpService":   service,
		"result":       result,
		"responseTime": durationMS,
	}
	if err := r.bus.Emit(r.baseCtx, eventbus.EventMCPResult, payload); err != nil {
		r.logger.Warning("mcp_result_delivery_failed", "requestId", requestID, "error", err)
	}
}

// invoke dispatches one invocation map against a client.
func (r *Responder) invoke(ctx context.Context, client Client, inner map[string]any) (map[string]any, error) {
	tool := typeutil.SafeStringDefault(inner["tool"],
		typeutil.SafeStringDefault(inner["command"], ""))
	mode := typeutil.SafeStringDefault(inner["mode"], "")
	method := typeutil.SafeStringDefault(inner["method"], tool)
	args, _ := typeutil.SafeMapStringAny(inner["args"])
	options, _ := typeutil.SafeMapStringAny(inner["options"])

	if mode == "method" || tool == "" {
		if method == "" {
			return nil, fmt.Errorf("mcp invocation names neither tool nor method")
		}
		methodArgs := methodArguments(inner, args)
		return client.CallTool(ctx, method, methodArgs)
	}
	return ExecuteCommand(ctx, client, tool, args, options)
}

// selectClient resolves the live client, or a mock while the gate is
// closed.
func (r *Responder) selectClient(service string) (Client, error) {
	if service == "" {
		return nil, NewUnknownServiceError(service)
	}
	if r.enabled != nil && !r.enabled() {
		r.mu.Lock()
		defer r.mu.Unlock()
		mock, ok := r.mocks[service]
		if !ok {
			mock = NewMockClient(service)
			r.mocks[service] = mock
		}
		return mock, nil
	}
	client, ok := r.registry.Get(service)
	if !ok {
		return nil, NewUnknownServiceError(service)
	}
	return client, nil
}

func (r *Responder) emitError(requestID, service string, failure error) {
	payload := map[string]any{
		"requestId":  requestID,
		"mcpService": service,
		"error":      failure.Error(),
	}
	if err := r.bus.Emit(r.baseCtx, eventbus.EventMCPResult, payload); err != nil {
		r.logger.Warning("mcp_result_delivery_failed", "requestId", requestID, "error", err)
	}
}

// methodArguments picks the argument map for a direct method call: the
// first map inside methodArgs wins, then the plain args map.
func methodArguments(inner, args map[string]any) map[string]any {
	if rawArgs, ok := typeutil.SafeSlice(inner["methodArgs"]); ok {
		for _, raw := range rawArgs {
			if m, ok := typeutil.SafeMapStringAny(raw); ok {
				return m
			}
		}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}
