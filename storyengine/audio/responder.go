package audio

import (
	"context"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

const defaultResponderTimeout = 12 * time.Second

// Request statuses.
const (
	StatusQueued  = "queued"
	StatusPartial = "partial"
	StatusOffline = "offline"
	StatusNoop    = "noop"
)

// Responder serves audio requests over the bus. A request may carry
// per-channel updates, control commands and a sync block; the
// responder forwards them through the Coordinator and answers on
// orchestrator:audio:result with per-item results.
//
// Offline handling follows stage optionality: a non-optional request
// against an offline service fails outright, an optional one resolves
// with status "offline" and a warning.
type Responder struct {
	bus         eventbus.Bus
	coordinator Coordinator
	logger      eventbus.Logger

	mu          sync.Mutex
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewResponder creates an audio responder over a coordinator.
func NewResponder(bus eventbus.Bus, coordinator Coordinator, logger eventbus.Logger) *Responder {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Responder{
		bus:         bus,
		coordinator: coordinator,
		logger:      logger.Bind("component", "audio"),
	}
}

// Start subscribes to audio requests.
func (r *Responder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.unsubscribe = r.bus.Subscribe(eventbus.EventAudioRequest, r.handleRequest)
	r.logger.Info("audio_responder_started", "connected", r.coordinator.Connected())
}

// Stop unsubscribes and waits for in-flight requests.
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

// itemResult is the outcome of one forwarded update or control.
type itemResult struct {
	kind       string
	channel    string
	command    string
	success    bool
	message    string
	durationMS int
}

func (r *Responder) process(request map[string]any) {
	requestID := typeutil.SafeStringDefault(request["requestId"], "")
	inner, ok := typeutil.SafeMapStringAny(request["payload"])
	if !ok {
		inner = request
	}
	optional := typeutil.SafeBoolDefault(inner["optional"], false)

	timeout := typeutil.SafeDurationMSDefault(request["timeoutMs"], defaultResponderTimeout)
	ctx, cancel := context.WithTimeout(r.baseCtx, timeout)
	defer cancel()

	if !r.coordinator.Connected() {
		observability.RecordAudioRequest(StatusOffline)
		if !optional {
			r.emit(map[string]any{
				"requestId": requestID,
				"error":     OfflineMessage,
				"connected": false,
			})
			return
		}
		r.emit(map[string]any{
			"requestId": requestID,
			"status":    StatusOffline,
			"requests":  []any{},
			"warnings":  []any{OfflineMessage},
			"connected": false,
		})
		return
	}

	items := r.dispatch(ctx, inner)

	status := StatusNoop
	warnings := make([]any, 0)
	if len(items) > 0 {
		status = StatusQueued
		for _, item := range items {
			if !item.success {
				status = StatusPartial
				if optional {
					warnings = append(warnings, item.message)
				}
			}
		}
	}
	observability.RecordAudioRequest(status)

	payload := map[string]any{
		"requestId": requestID,
		"status":    status,
		"requests":  itemPayloads(items),
		"connected": true,
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	r.emit(payload)
}

// dispatch forwards the sync block first, then channel updates in
// channel order, then control commands.
func (r *Responder) dispatch(ctx context.Context, inner map[string]any) []itemResult {
	var items []itemResult

	if sync, ok := typeutil.SafeMapStringAny(inner["sync"]); ok {
		syncID := typeutil.SafeStringDefault(sync["syncId"],
			typeutil.SafeStringDefault(sync["id"], ""))
		if syncID != "" {
			channels := typeutil.SafeStringSliceDefault(sync["channels"], r.activeChannels(inner))
			metadata, _ := typeutil.SafeMapStringAny(sync["metadata"])
			items = append(items, r.timed("register_sync", "", CommandRegisterSync, func() error {
				return r.coordinator.RegisterSync(ctx, syncID, channels, metadata)
			}))
		}
	}

	updates := channelUpdates(inner)
	for _, channel := range Channels {
		update, ok := updates[channel]
		if !ok {
			continue
		}
		data, metadata := splitUpdate(update)
		ch := channel
		items = append(items, r.timed("story_update", ch, "", func() error {
			return r.coordinator.UpdateChannel(ctx, ch, data, metadata)
		}))
	}

	for _, control := range controlCommands(inner) {
		command := typeutil.SafeStringDefault(control["command"], "")
		if command == "" {
			continue
		}
		channel := typeutil.SafeStringDefault(control["channel"], "")
		params, _ := typeutil.SafeMapStringAny(control["params"])
		items = append(items, r.timed("control", channel, command, func() error {
			return r.coordinator.Control(ctx, command, channel, params)
		}))
	}
	return items
}

// timed runs one forwarded call and captures its outcome.
func (r *Responder) timed(kind, channel, command string, fn func() error) itemResult {
	start := time.Now()
	err := fn()
	item := itemResult{
		kind:       kind,
		channel:    channel,
		command:    command,
		success:    err == nil,
		message:    "queued",
		durationMS: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		item.message = err.Error()
		r.logger.Warning("audio_item_failed", "kind", kind, "channel", channel, "error", err)
	}
	return item
}

// activeChannels lists the channels the request updates, in order.
func (r *Responder) activeChannels(inner map[string]any) []string {
	updates := channelUpdates(inner)
	channels := make([]string, 0, len(updates))
	for _, channel := range Channels {
		if _, ok := updates[channel]; ok {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (r *Responder) emit(payload map[string]any) {
	if err := r.bus.Emit(r.baseCtx, eventbus.EventAudioResult, payload); err != nil {
		r.logger.Warning("audio_result_delivery_failed", "requestId", payload["requestId"], "error", err)
	}
}

// ===== PAYLOAD SHAPES =====

// channelUpdates collects per-channel updates from either a "channels"
// map or channel-named keys at the top of the payload.
func channelUpdates(inner map[string]any) map[string]any {
	if channels, ok := typeutil.SafeMapStringAny(inner["channels"]); ok {
		return channels
	}
	updates := make(map[string]any)
	for _, channel := range Channels {
		if update, ok := inner[channel]; ok && update != nil {
			updates[channel] = update
		}
	}
	return updates
}

// splitUpdate separates an update into data and metadata. A map with a
// "data" key is treated as the envelope shape; anything else is the
// data itself.
func splitUpdate(update any) (any, map[string]any) {
	envelope, ok := typeutil.SafeMapStringAny(update)
	if !ok {
		return update, nil
	}
	data, hasData := envelope["data"]
	if !hasData {
		return envelope, nil
	}
	metadata, _ := typeutil.SafeMapStringAny(envelope["metadata"])
	return data, metadata
}

// controlCommands collects control entries from "controls" (a list)
// and "control" (a single entry).
func controlCommands(inner map[string]any) []map[string]any {
	var controls []map[string]any
	if list, ok := typeutil.SafeMapSlice(inner["controls"]); ok {
		controls = append(controls, list...)
	}
	if single, ok := typeutil.SafeMapStringAny(inner["control"]); ok {
		controls = append(controls, single)
	}
	return controls
}

// itemPayloads renders items for the result event.
func itemPayloads(items []itemResult) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		payload := map[string]any{
			"type":       item.kind,
			"success":    item.success,
			"message":    item.message,
			"durationMs": item.durationMS,
		}
		if item.channel != "" {
			payload["channel"] = item.channel
		}
		if item.command != "" {
			payload["command"] = item.command
		}
		out = append(out, payload)
	}
	return out
}
