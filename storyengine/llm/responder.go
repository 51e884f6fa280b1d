package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/ledger"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

const defaultResponderTimeout = 60 * time.Second

var tracer = otel.Tracer("adventure-core/llm")

// Responder serves completion requests over the bus. It subscribes to
// orchestrator:llm:request, runs the vendor call on its own goroutine
// so bus delivery is never blocked, and answers on
// orchestrator:llm:result correlated by requestId.
type Responder struct {
	bus      eventbus.Bus
	registry *Registry
	ledger   *ledger.Ledger
	logger   eventbus.Logger
	enabled  func() bool

	mu          sync.Mutex
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithGate routes requests to the mock provider while gate reports
// false. Live vendor calls resume as soon as it reports true again.
func WithGate(gate func() bool) ResponderOption {
	return func(r *Responder) {
		r.enabled = gate
	}
}

// NewResponder creates an LLM responder. The ledger may be nil when
// usage accounting is not wanted.
func NewResponder(bus eventbus.Bus, registry *Registry, ldg *ledger.Ledger, logger eventbus.Logger, opts ...ResponderOption) *Responder {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	r := &Responder{
		bus:      bus,
		registry: registry,
		ledger:   ldg,
		logger:   logger.Bind("component", "llm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to completion requests.
func (r *Responder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.unsubscribe = r.bus.Subscribe(eventbus.EventLLMRequest, r.handleRequest)
	r.logger.Info("llm_responder_started", "providers", r.registry.Names())
}

// Stop unsubscribes, cancels in-flight vendor calls and waits for
// workers to drain.
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

// handleRequest hands the request to a worker goroutine. Vendor calls
// can take tens of seconds and must not stall bus delivery.
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
		// Tolerate flat requests from direct callers.
		inner = request
	}

	timeout := typeutil.SafeDurationMSDefault(request["timeoutMs"], defaultResponderTimeout)
	ctx, cancel := context.WithTimeout(r.baseCtx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()

	provider, err := r.selectProvider(inner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emitError(requestID, "", "", err)
		return
	}
	span.SetAttributes(
		attribute.String("adventure.llm.provider", provider.Name()),
		attribute.String("adventure.llm.model", provider.Model()),
	)

	req := &GenerateRequest{
		Prompt:      promptFrom(inner),
		System:      typeutil.SafeStringDefault(inner["system"], ""),
		MaxTokens:   typeutil.SafeIntDefault(inner["maxTokens"], 0),
		Temperature: typeutil.SafeFloat64Default(inner["temperature"], 0),
	}
	if req.Prompt == "" {
		err := fmt.Errorf("llm request %q has no prompt", requestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emitError(requestID, provider.Name(), provider.Model(), err)
		return
	}

	agentID := typeutil.SafeStringDefault(request["agentId"],
		typeutil.SafeStringDefault(inner["agentId"], "orchestrator"))

	if r.ledger != nil {
		if err := r.ledger.CheckBudget(agentID, provider.Name()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.emitError(requestID, provider.Name(), provider.Model(), err)
			return
		}
	}

	start := time.Now()
	result, err := provider.Generate(ctx, req)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordLLMCall(provider.Name(), provider.Model(), "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warning("llm_request_failed",
			"requestId", requestID,
			"provider", provider.Name(),
			"error", err)
		r.emitError(requestID, provider.Name(), provider.Model(), err)
		return
	}

	observability.RecordLLMCall(result.Provider, result.Model, "success", durationMS)
	if r.ledger != nil {
		r.ledger.Record(agentID, result.Provider, result.Usage)
	}

	payload := map[string]any{
		"requestId": requestID,
		"provider":  result.Provider,
		"model":     result.Model,
		"text":      result.Text,
		"usage": map[string]any{
			"promptTokens":     result.Usage.Prompt,
			"completionTokens": result.Usage.Completion,
			"totalTokens":      result.Usage.Total,
			"costUSD":          result.Usage.CostUSD,
		},
		"responseTime": durationMS,
	}
	if parsed, ok := ExtractJSON(result.Text); ok {
		payload["json"] = parsed
	}
	if err := r.bus.Emit(r.baseCtx, eventbus.EventLLMResult, payload); err != nil {
		r.logger.Warning("llm_result_delivery_failed", "requestId", requestID, "error", err)
	}
}

// selectProvider resolves the provider for a request. While the gate is
// closed every request goes to the mock provider regardless of what it
// asked for.
func (r *Responder) selectProvider(inner map[string]any) (Provider, error) {
	if r.enabled != nil && !r.enabled() {
		if mock, ok := r.registry.Get(ProviderMock); ok {
			return mock, nil
		}
		return nil, fmt.Errorf("llm apis disabled and no %s provider registered", ProviderMock)
	}
	name := typeutil.SafeStringDefault(inner["provider"], "")
	if name == "" {
		if p, ok := r.registry.Default(); ok {
			return p, nil
		}
		return nil, NewUnknownProviderError("")
	}
	p, ok := r.registry.Get(name)
	if !ok {
		return nil, NewUnknownProviderError(name)
	}
	return p, nil
}

func (r *Responder) emitError(requestID, provider, model string, failure error) {
	metadata := map[string]any{}
	if provider != "" {
		metadata["provider"] = provider
	}
	if model != "" {
		metadata["model"] = model
	}
	payload := map[string]any{
		"requestId": requestID,
		"error":     failure.Error(),
		"metadata":  metadata,
	}
	if err := r.bus.Emit(r.baseCtx, eventbus.EventLLMResult, payload); err != nil {
		r.logger.Warning("llm_result_delivery_failed", "requestId", requestID, "error", err)
	}
}

// promptFrom accepts both "prompt" and the legacy "message" key.
func promptFrom(payload map[string]any) string {
	if s, ok := typeutil.SafeString(payload["prompt"]); ok && s != "" {
		return s
	}
	return typeutil.SafeStringDefault(payload["message"], "")
}
