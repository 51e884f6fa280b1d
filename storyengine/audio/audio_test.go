package audio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// ===== TEST HELPERS =====

// fakeCoordinator records forwarded calls and can fail per channel.
type fakeCoordinator struct {
	mu           sync.Mutex
	connected    bool
	calls        []string
	failChannels map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{connected: true, failChannels: make(map[string]string)}
}

func (f *fakeCoordinator) UpdateChannel(_ context.Context, channel string, _ any, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+channel)
	if msg, ok := f.failChannels[channel]; ok {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func (f *fakeCoordinator) Control(_ context.Context, command, channel string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "control:"+command+":"+channel)
	return nil
}

func (f *fakeCoordinator) RegisterSync(_ context.Context, syncID string, channels []string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "sync:"+syncID+":"+strings.Join(channels, "+"))
	return nil
}

func (f *fakeCoordinator) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCoordinator) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func startResponder(t *testing.T, coordinator Coordinator) *eventbus.InMemoryBus {
	t.Helper()
	bus := eventbus.NewInMemoryBus(0)
	responder := NewResponder(bus, coordinator, nil)
	responder.Start(context.Background())
	t.Cleanup(responder.Stop)
	return bus
}

func awaitResult(t *testing.T, bus eventbus.Bus, requestID string) map[string]any {
	t.Helper()
	var mu sync.Mutex
	var result map[string]any
	cancel := bus.Subscribe(eventbus.EventAudioResult, func(_ context.Context, event *eventbus.Event) error {
		payload := event.PayloadMap()
		if payload["requestId"] == requestID {
			mu.Lock()
			result = payload
			mu.Unlock()
		}
		return nil
	})
	t.Cleanup(cancel)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return result != nil
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return result
}

// ===== RESPONDER =====

// Offline service plus a non-optional request is a hard error.
func TestOfflineNonOptionalFails(t *testing.T) {
	bus := startResponder(t, OfflineCoordinator{})

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_1",
		"payload": map[string]any{
			"narration": map[string]any{"data": map[string]any{"text": "hello"}},
		},
	}))

	result := awaitResult(t, bus, "aud_1")
	assert.Equal(t, OfflineMessage, result["error"])
	assert.Equal(t, false, result["connected"])
}

// Optional requests resolve offline with a warning instead of failing.
func TestOfflineOptionalResolvesWithWarning(t *testing.T) {
	bus := startResponder(t, OfflineCoordinator{})

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_2",
		"payload": map[string]any{
			"optional":  true,
			"narration": map[string]any{"data": map[string]any{"text": "hello"}},
			"music":     map[string]any{"data": map[string]any{"mood": "tense"}},
			"ambient":   map[string]any{"data": map[string]any{"loop": "rain"}},
		},
	}))

	result := awaitResult(t, bus, "aud_2")
	assert.Equal(t, StatusOffline, result["status"])
	assert.Equal(t, false, result["connected"])
	warnings, ok := result["warnings"].([]any)
	require.True(t, ok)
	assert.Contains(t, warnings, OfflineMessage)
}

// The sync block dispatches before any channel update, and channels go
// out in channel order.
func TestSyncDispatchedFirst(t *testing.T) {
	coordinator := newFakeCoordinator()
	bus := startResponder(t, coordinator)

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_3",
		"payload": map[string]any{
			"sync":      map[string]any{"id": "scene-7"},
			"music":     map[string]any{"data": map[string]any{"mood": "noir"}},
			"narration": map[string]any{"data": map[string]any{"text": "rain fell"}},
		},
	}))

	result := awaitResult(t, bus, "aud_3")
	assert.Equal(t, StatusQueued, result["status"])

	calls := coordinator.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "sync:scene-7:narration+music", calls[0], "sync goes first, grouping the active channels")
	assert.Equal(t, "update:narration", calls[1])
	assert.Equal(t, "update:music", calls[2])

	requests, ok := result["requests"].([]any)
	require.True(t, ok)
	require.Len(t, requests, 3)
	first, ok := requests[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "register_sync", first["type"])
	assert.Equal(t, true, first["success"])
}

// A failing channel turns the status partial; optional requests get
// the failure as a warning.
func TestPartialFailure(t *testing.T) {
	coordinator := newFakeCoordinator()
	coordinator.failChannels[ChannelMusic] = "buffer full"
	bus := startResponder(t, coordinator)

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_4",
		"payload": map[string]any{
			"optional":  true,
			"narration": map[string]any{"data": map[string]any{"text": "x"}},
			"music":     map[string]any{"data": map[string]any{"mood": "y"}},
		},
	}))

	result := awaitResult(t, bus, "aud_4")
	assert.Equal(t, StatusPartial, result["status"])
	warnings, ok := result["warnings"].([]any)
	require.True(t, ok)
	assert.Contains(t, warnings, "buffer full")
}

// An empty request resolves as a noop.
func TestNoopRequest(t *testing.T) {
	coordinator := newFakeCoordinator()
	bus := startResponder(t, coordinator)

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_5",
		"payload":   map[string]any{},
	}))

	result := awaitResult(t, bus, "aud_5")
	assert.Equal(t, StatusNoop, result["status"])
	assert.Empty(t, coordinator.recorded())
}

// Control commands are forwarded after updates.
func TestControlCommands(t *testing.T) {
	coordinator := newFakeCoordinator()
	bus := startResponder(t, coordinator)

	require.NoError(t, bus.Emit(context.Background(), eventbus.EventAudioRequest, map[string]any{
		"requestId": "aud_6",
		"payload": map[string]any{
			"controls": []any{
				map[string]any{"command": CommandPause, "channel": ChannelMusic},
				map[string]any{"command": CommandClearQueue},
			},
		},
	}))

	result := awaitResult(t, bus, "aud_6")
	assert.Equal(t, StatusQueued, result["status"])
	calls := coordinator.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "control:pause:music", calls[0])
	assert.Equal(t, "control:clear_queue:", calls[1])
}

// ===== WS CLIENT =====

// The live client speaks the wire protocol against a real websocket
// server: story updates arrive as JSON, audio_status flips the
// connected flag.
func TestClientAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan map[string]any, 16)
	var connMu sync.Mutex
	var serverConn *websocket.Conn

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connMu.Lock()
		serverConn = conn
		connMu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.UpdateChannel(ctx, ChannelNarration,
		map[string]any{"text": "it was a dark night"},
		map[string]any{"voice": "noir"}))
	require.NoError(t, client.RegisterSync(ctx, "scene-1", []string{ChannelNarration, ChannelMusic}, nil))

	update := <-received
	assert.Equal(t, "story_update", update["type"])
	assert.Equal(t, ChannelNarration, update["channel"])
	data, ok := update["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "it was a dark night", data["text"])

	sync := <-received
	assert.Equal(t, "control", sync["type"])
	assert.Equal(t, CommandRegisterSync, sync["command"])
	params, ok := sync["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "scene-1", params["syncId"])

	// The service's own status report overrides the transport view.
	connMu.Lock()
	require.NotNil(t, serverConn)
	require.NoError(t, serverConn.WriteJSON(map[string]any{"type": "audio_status", "connected": false}))
	connMu.Unlock()
	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 10*time.Millisecond)

	// Unknown channels are rejected before hitting the wire.
	require.Error(t, client.UpdateChannel(ctx, "foley", nil, nil))
}
