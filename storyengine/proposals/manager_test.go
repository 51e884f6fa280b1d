package proposals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// ===== TEST HELPERS =====

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *eventbus.InMemoryBus) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(0)
	manager := NewManager(bus, nil, opts...)
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	return manager, bus
}

// eventCollector captures every payload emitted under one event type.
type eventCollector struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func collect(bus eventbus.Bus, eventType string) *eventCollector {
	c := &eventCollector{}
	bus.Subscribe(eventType, func(_ context.Context, event *eventbus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, event.PayloadMap())
		return nil
	})
	return c
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *eventCollector) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

func proposalFor(agentID string) *Proposal {
	return &Proposal{
		AgentID: agentID,
		Data:    map[string]any{"from": agentID},
		Summary: agentID + " plan",
	}
}

// ===== DIRECT API =====

// A batch resolves complete once every expected agent has submitted,
// preserving reception order.
func TestBatchCompletesOnFullReception(t *testing.T) {
	manager, bus := newTestManager(t)
	done := collect(bus, eventbus.EventCompetitionCompleted)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude", "gpt"})
	require.NoError(t, err)

	require.NoError(t, manager.Submit(ctx, "batch-1", "gpt", proposalFor("gpt")))
	assert.Equal(t, 0, done.count())
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	require.Equal(t, 1, done.count())
	resolution := done.last()
	assert.Equal(t, "batch-1", resolution["batchId"])
	assert.Equal(t, StatusComplete, resolution["status"])
	assert.Equal(t, 2, resolution["received"])
	assert.Empty(t, resolution["missing"])

	submitted := resolution["proposals"].([]map[string]any)
	require.Len(t, submitted, 2)
	assert.Equal(t, "gpt", submitted[0]["agentId"])
	assert.Equal(t, "claude", submitted[1]["agentId"])
}

// The deadline resolves a partially filled batch as timed_out and
// names the missing agents.
func TestBatchTimesOutWithPartialReception(t *testing.T) {
	manager, bus := newTestManager(t)
	done := collect(bus, eventbus.EventCompetitionCompleted)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, 40*time.Millisecond, []string{"claude", "gpt"})
	require.NoError(t, err)
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 10*time.Millisecond)
	resolution := done.last()
	assert.Equal(t, StatusTimedOut, resolution["status"])
	assert.Equal(t, 1, resolution["received"])
	assert.Equal(t, []string{"gpt"}, resolution["missing"])
}

// Zero proposals at the deadline is a failed batch with a nil winner.
func TestBatchFailsWithZeroProposals(t *testing.T) {
	manager, bus := newTestManager(t)
	done := collect(bus, eventbus.EventCompetitionCompleted)

	_, err := manager.OpenBatch(context.Background(), "batch-1", TypeAssetPlacement, nil, 30*time.Millisecond, []string{"claude"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 10*time.Millisecond)
	resolution := done.last()
	assert.Equal(t, StatusFailed, resolution["status"])
	winner, present := resolution["winner"]
	require.True(t, present)
	assert.Nil(t, winner)
}

// A second submission from the same agent is a duplicate.
func TestDuplicateSubmissionRejected(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude", "gpt"})
	require.NoError(t, err)
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	err = manager.Submit(ctx, "batch-1", "claude", proposalFor("claude"))
	var dup *DuplicateProposalError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "claude", dup.AgentID)
}

// Agents outside the roster cannot submit.
func TestUnexpectedAgentRejected(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude"})
	require.NoError(t, err)

	err = manager.Submit(ctx, "batch-1", "gemini", proposalFor("gemini"))
	var unexpected *UnexpectedAgentError
	require.ErrorAs(t, err, &unexpected)
}

// Submissions after resolution are rejected as closed.
func TestSubmitAfterResolutionRejected(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude"})
	require.NoError(t, err)
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	err = manager.Submit(ctx, "batch-1", "claude", proposalFor("claude"))
	var closed *BatchClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, StatusComplete, closed.Status)
}

// Cancel closes the batch silently and is idempotent.
func TestCancelIsIdempotent(t *testing.T) {
	manager, bus := newTestManager(t)
	done := collect(bus, eventbus.EventCompetitionCompleted)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude"})
	require.NoError(t, err)

	manager.Cancel(ctx, "batch-1")
	manager.Cancel(ctx, "batch-1")
	manager.Cancel(ctx, "never-opened")

	batch, ok := manager.Batch("batch-1")
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, batch.Status)
	assert.Equal(t, 0, done.count())

	err = manager.Submit(ctx, "batch-1", "claude", proposalFor("claude"))
	var closed *BatchClosedError
	require.ErrorAs(t, err, &closed)
}

// ===== BUS PROTOCOL =====

// The full request/submit protocol works without touching the direct
// API.
func TestBusProtocolRoundTrip(t *testing.T) {
	_, bus := newTestManager(t)
	done := collect(bus, eventbus.EventCompetitionCompleted)
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, eventbus.EventProposalRequest, map[string]any{
		"batchId":        "batch-1",
		"proposalType":   TypeCameraPlanning,
		"deadline":       1000,
		"expectedAgents": []string{"claude", "gpt"},
	}))

	for _, agentID := range []string{"claude", "gpt"} {
		require.NoError(t, bus.Emit(ctx, eventbus.EventProposalSubmit, map[string]any{
			"batchId": "batch-1",
			"agentId": agentID,
			"proposal": map[string]any{
				"agentId": agentID,
				"data":    map[string]any{"shots": []any{}},
			},
		}))
	}

	require.Equal(t, 1, done.count())
	assert.Equal(t, StatusComplete, done.last()["status"])
	assert.Equal(t, TypeCameraPlanning, done.last()["proposalType"])
}

// Invalid submissions produce proposal:rejected with a reason.
func TestBusSubmitRejectionEvent(t *testing.T) {
	_, bus := newTestManager(t)
	rejected := collect(bus, eventbus.EventProposalRejected)
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, eventbus.EventProposalSubmit, map[string]any{
		"batchId":  "ghost",
		"agentId":  "claude",
		"proposal": map[string]any{"agentId": "claude"},
	}))

	require.Equal(t, 1, rejected.count())
	assert.Equal(t, "ghost", rejected.last()["batchId"])
	assert.Contains(t, rejected.last()["reason"], "unknown proposal batch")
}

// Accepted submissions are mirrored as agent_proposal for dashboards.
func TestAcceptedSubmissionEmitsAgentProposal(t *testing.T) {
	manager, bus := newTestManager(t)
	mirrored := collect(bus, eventbus.EventAgentProposal)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude"})
	require.NoError(t, err)
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	require.Equal(t, 1, mirrored.count())
	assert.Equal(t, "claude", mirrored.last()["agentId"])
	assert.Equal(t, TypeAssetPlacement, mirrored.last()["proposalType"])
}

// The completion event name is configurable for dashboard deployments.
func TestConfigurableCompletionEvent(t *testing.T) {
	manager, bus := newTestManager(t, WithCompletionEvent(eventbus.EventCompetitionVoting))
	voting := collect(bus, eventbus.EventCompetitionVoting)
	standard := collect(bus, eventbus.EventCompetitionCompleted)
	ctx := context.Background()

	_, err := manager.OpenBatch(ctx, "batch-1", TypeAssetPlacement, nil, time.Second, []string{"claude"})
	require.NoError(t, err)
	require.NoError(t, manager.Submit(ctx, "batch-1", "claude", proposalFor("claude")))

	assert.Equal(t, 1, voting.count())
	assert.Equal(t, 0, standard.count())
}

// Proposal maps survive the round trip through the wire format.
func TestProposalMapRoundTrip(t *testing.T) {
	original := &Proposal{
		BatchID:      "batch-1",
		AgentID:      "claude",
		ProposalType: TypeAssetPlacement,
		Data:         map[string]any{"batches": []any{map[string]any{"name": "towers"}}},
		Reasoning:    "fits the genre",
		Summary:      "two towers",
		TokensUsed:   321,
		Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
	}

	rebuilt := FromMap(original.ToMap())
	assert.Equal(t, original.AgentID, rebuilt.AgentID)
	assert.Equal(t, original.ProposalType, rebuilt.ProposalType)
	assert.Equal(t, original.Reasoning, rebuilt.Reasoning)
	assert.Equal(t, original.TokensUsed, rebuilt.TokensUsed)
	assert.True(t, original.Timestamp.Equal(rebuilt.Timestamp))
	assert.Equal(t, original.Data["batches"], rebuilt.Data["batches"])
}
