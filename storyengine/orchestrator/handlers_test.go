package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/dag"
	"github.com/agent-adventures/adventure-core/storyengine/mcp"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// ===== TEST HELPERS =====

// flakyLLMResponder answers llm requests, failing the first failures
// requests before succeeding.
func flakyLLMResponder(bus eventbus.Bus, failures int) *atomic.Int32 {
	var calls atomic.Int32
	bus.Subscribe(eventbus.EventLLMRequest, func(ctx context.Context, event *eventbus.Event) error {
		requestID := typeutil.SafeStringDefault(event.PayloadMap()["requestId"], "")
		n := calls.Add(1)
		payload := map[string]any{"requestId": requestID}
		if int(n) <= failures {
			payload["error"] = "provider overloaded"
		} else {
			payload["text"] = "granted"
		}
		return bus.Emit(ctx, eventbus.EventLLMResult, payload)
	})
	return &calls
}

type stageEventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *stageEventLog) record(label string) eventbus.HandlerFunc {
	return func(_ context.Context, _ *eventbus.Event) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = append(l.entries, label)
		return nil
	}
}

func (l *stageEventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func watchStageEvents(bus eventbus.Bus) *stageEventLog {
	log := &stageEventLog{}
	bus.Subscribe(eventbus.EventStageScheduled, log.record("scheduled"))
	bus.Subscribe(eventbus.EventStageStart, log.record("start"))
	bus.Subscribe(eventbus.EventStageRetry, log.record("retry"))
	bus.Subscribe(eventbus.EventStageFailed, log.record("failed"))
	bus.Subscribe(eventbus.EventStageComplete, log.record("complete"))
	bus.Subscribe(eventbus.EventOrchestratorComplete, log.record("orchestrator:complete"))
	return log
}

// ===== BUS ROUND-TRIP HANDLERS =====

// An llm stage with a retry policy recovers once the responder stops
// failing: two failed attempts, two retries, success on the third try.
func TestLLMStageRetriesUntilResponderSucceeds(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})
	calls := flakyLLMResponder(bus, 2)
	log := watchStageEvents(bus)

	cfg := &dag.Config{ID: "retry-llm", Stages: []*dag.Stage{{
		ID:     "A",
		Type:   "llm",
		Retry:  dag.Retry{Attempts: 2, DelayMs: 10},
		Budget: dag.Budget{TimeMs: 50},
	}}}

	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)

	assert.Equal(t, "granted", result.Results["A"]["text"])
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, adventure.Runner.Status().Stages["A"].Attempts)
	assert.Equal(t, []string{
		"scheduled", "start", "failed", "retry", "start", "failed", "retry", "start",
		"complete", "orchestrator:complete",
	}, log.all())
}

// With no responder on the bus the llm stage times out on its budget.
func TestLLMStageTimesOutWithoutResponder(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})

	cfg := &dag.Config{ID: "silent", Stages: []*dag.Stage{{
		ID:     "A",
		Type:   "llm",
		Budget: dag.Budget{TimeMs: 30},
	}}}

	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.Error(t, result.Err)
}

// An mcp:<service> stage routes the service name into the request
// payload.
func TestMCPHandlerInjectsService(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})

	var gotService atomic.Value
	bus.Subscribe(eventbus.EventMCPRequest, func(ctx context.Context, event *eventbus.Event) error {
		payload := event.PayloadMap()
		inner, _ := typeutil.SafeMapStringAny(payload["payload"])
		gotService.Store(typeutil.SafeStringDefault(inner["mcpService"], ""))
		return bus.Emit(ctx, eventbus.EventMCPResult, map[string]any{
			"requestId": payload["requestId"],
			"result":    "ok",
		})
	})

	cfg := &dag.Config{ID: "route", Stages: []*dag.Stage{{
		ID:      "view",
		Type:    "mcp:worldviewer",
		Payload: map[string]any{"tool": "getCameraStatus"},
	}}}

	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)
	assert.Equal(t, "worldviewer", gotService.Load())
}

// An error field in the result payload fails the stage.
func TestResultErrorFailsStage(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})
	bus.Subscribe(eventbus.EventAudioRequest, func(ctx context.Context, event *eventbus.Event) error {
		return bus.Emit(ctx, eventbus.EventAudioResult, map[string]any{
			"requestId": event.PayloadMap()["requestId"],
			"error":     "Audio service not connected",
		})
	})

	cfg := &dag.Config{ID: "offline", Stages: []*dag.Stage{{ID: "play", Type: "audio"}}}
	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "Audio service not connected")
}

// ===== COMPETITION =====

// The competition handler opens a batch through the proposal manager
// and resolves when every expected agent submits.
func TestCompetitionHandlerCollectsBatch(t *testing.T) {
	m, bus := newTestManager(t)
	manager := proposals.NewManager(bus, nil)
	manager.Start(context.Background())
	defer manager.Stop()

	RegisterDefaults(m, HandlerDeps{
		Bus: bus,
		Roster: func(agentType string) []string {
			require.Equal(t, "scene", agentType)
			return []string{"claude", "gemini"}
		},
		ProposalTimeout:  200 * time.Millisecond,
		ExecutionTimeout: 200 * time.Millisecond,
	})

	// Agents submit as soon as the batch opens.
	bus.Subscribe(eventbus.EventProposalRequest, func(ctx context.Context, event *eventbus.Event) error {
		batchID := typeutil.SafeStringDefault(event.PayloadMap()["batchId"], "")
		for _, agent := range []string{"claude", "gemini"} {
			err := bus.Emit(ctx, eventbus.EventProposalSubmit, map[string]any{
				"batchId": batchID,
				"agentId": agent,
				"proposal": map[string]any{
					"agentId":      agent,
					"proposalType": proposals.TypeAssetPlacement,
					"data":         map[string]any{"batches": []any{}},
				},
			})
			require.NoError(t, err)
		}
		return nil
	}, eventbus.WithPriority(-1))

	cfg := &dag.Config{ID: "contest", Stages: []*dag.Stage{{
		ID:      "round",
		Type:    "competition",
		Payload: map[string]any{"proposalType": proposals.TypeAssetPlacement},
	}}}

	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)

	round := result.Results["round"]
	assert.Equal(t, proposals.StatusComplete, round["status"])
	assert.EqualValues(t, 2, round["received"])
}

// A batch that closes with zero proposals fails the stage.
func TestCompetitionHandlerFailsOnEmptyBatch(t *testing.T) {
	m, bus := newTestManager(t)
	manager := proposals.NewManager(bus, nil)
	manager.Start(context.Background())
	defer manager.Stop()

	RegisterDefaults(m, HandlerDeps{
		Bus:              bus,
		Roster:           func(string) []string { return []string{"claude"} },
		ProposalTimeout:  30 * time.Millisecond,
		ExecutionTimeout: 30 * time.Millisecond,
	})

	cfg := &dag.Config{ID: "empty", Stages: []*dag.Stage{{ID: "round", Type: "competition"}}}
	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "no proposals")
}

// ===== SYSTEM HANDLERS =====

// scene-reset clears the scene, waypoints and groups.
func TestSceneResetClearsEverything(t *testing.T) {
	m, bus := newTestManager(t)
	builderMock := mcp.NewMockClient(mcp.ServiceWorldBuilder)
	surveyorMock := mcp.NewMockClient(mcp.ServiceWorldSurveyor)
	RegisterDefaults(m, HandlerDeps{
		Bus:      bus,
		Builder:  mcp.NewWorldBuilder(builderMock),
		Surveyor: mcp.NewWorldSurveyor(surveyorMock),
	})

	cfg := &dag.Config{ID: "reset", Stages: []*dag.Stage{{ID: "wipe", Type: "system:scene-reset"}}}
	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)

	assert.Equal(t, true, result.Results["wipe"]["cleared"])
	assert.Equal(t, 1, builderMock.CallsFor("clearScene"))
	assert.Equal(t, 1, surveyorMock.CallsFor("clearWaypoints"))
	assert.Equal(t, 1, surveyorMock.CallsFor("clearGroups"))
}

// A failing clear call still lets the others run, then fails the
// stage with the aggregated error.
func TestSceneResetAggregatesFailures(t *testing.T) {
	m, bus := newTestManager(t)
	builderMock := mcp.NewMockClient(mcp.ServiceWorldBuilder).FailTool("clearScene", "stage locked")
	surveyorMock := mcp.NewMockClient(mcp.ServiceWorldSurveyor)
	RegisterDefaults(m, HandlerDeps{
		Bus:      bus,
		Builder:  mcp.NewWorldBuilder(builderMock),
		Surveyor: mcp.NewWorldSurveyor(surveyorMock),
	})

	cfg := &dag.Config{ID: "reset-fail", Stages: []*dag.Stage{{ID: "wipe", Type: "system:scene-reset"}}}
	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "stage locked")
	assert.Equal(t, 1, surveyorMock.CallsFor("clearGroups"))
}

// system:sleep resolves after the configured duration.
func TestSleepHandlerWaits(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})

	cfg := &dag.Config{ID: "nap", Stages: []*dag.Stage{{
		ID:      "zzz",
		Type:    "system:sleep",
		Payload: map[string]any{"durationMs": 20},
	}}}

	start := time.Now()
	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.EqualValues(t, 20, result.Results["zzz"]["sleptMs"])
}

// system:notify emits the configured event.
func TestNotifyHandlerEmits(t *testing.T) {
	m, bus := newTestManager(t)
	RegisterDefaults(m, HandlerDeps{Bus: bus})

	var got atomic.Value
	bus.Subscribe("custom:ping", func(_ context.Context, event *eventbus.Event) error {
		got.Store(event.PayloadMap())
		return nil
	})

	cfg := &dag.Config{ID: "ping", Stages: []*dag.Stage{{
		ID:   "announce",
		Type: "system:notify",
		Payload: map[string]any{
			"event":   "custom:ping",
			"payload": map[string]any{"hello": "world"},
		},
	}}}

	adventure, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.NoError(t, err)
	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)

	payload, ok := got.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", payload["hello"])
	assert.Equal(t, "announce", payload["stageId"])
}
