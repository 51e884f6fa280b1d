// Package agents tests for the LLM-backed and mock agent variants.
package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/ledger"
	"github.com/agent-adventures/adventure-core/storyengine/llm"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func sceneChallenge() *Challenge {
	return &Challenge{
		ID:      "ch-1",
		Type:    proposals.TypeAssetPlacement,
		Genre:   "Cyberpunk Noir",
		Context: map[string]any{"round": 1},
	}
}

func jsonReplyProvider() *llm.MockProvider {
	return llm.NewMockProvider("claude").WithReply(func(req *llm.GenerateRequest) string {
		return `Here is my plan:
{"summary": "two anchors", "reasoning": "keeps sightlines open", "spatial": {"zone": "plaza"}, "batches": [{"name": "set-a"}]}`
	})
}

// =============================================================================
// SINGLE PROVIDER AGENT TESTS
// =============================================================================

func TestSingleAgentShapesProposalFromJSONReply(t *testing.T) {
	// A structured reply becomes proposal data with summary, reasoning
	// and spatial lifted out.
	provider := jsonReplyProvider()
	ldg := ledger.NewLedger(0, eventbus.NopLogger{})
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, ldg, eventbus.NopLogger{})

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())

	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Empty(t, proposal.Error)
	assert.Equal(t, "scene-claude", proposal.AgentID)
	assert.Equal(t, proposals.TypeAssetPlacement, proposal.ProposalType)
	assert.Equal(t, "two anchors", proposal.Summary)
	assert.Equal(t, "keeps sightlines open", proposal.Reasoning)
	assert.Equal(t, map[string]any{"zone": "plaza"}, proposal.Spatial)
	require.NotNil(t, proposal.Data)
	assert.Contains(t, proposal.Data, "batches")
	assert.Positive(t, proposal.TokensUsed)
}

func TestSingleAgentRecordsHealthAndLedger(t *testing.T) {
	// Successful generations feed the health counters and the token
	// ledger under the agent and provider keys.
	provider := jsonReplyProvider()
	ldg := ledger.NewLedger(0, eventbus.NopLogger{})
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, ldg, eventbus.NopLogger{})

	_, err := agent.GenerateProposal(context.Background(), sceneChallenge())
	require.NoError(t, err)
	_, err = agent.GenerateProposal(context.Background(), sceneChallenge())
	require.NoError(t, err)

	health := agent.Health()
	assert.Equal(t, StatusActive, health.Status)
	assert.Equal(t, 2, health.Proposals)
	assert.Equal(t, 0, health.Failures)
	assert.Positive(t, health.Tokens)

	report := ldg.Report()
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "scene-claude", report.Entries[0].AgentID)
	assert.Equal(t, "claude", report.Entries[0].Provider)
	assert.Equal(t, health.Tokens, report.TotalTokens)
}

func TestSingleAgentVendorErrorYieldsFailedProposal(t *testing.T) {
	// A provider failure is not a call error; it comes back as a failed
	// proposal so the batch can still account for the agent.
	provider := llm.NewMockProvider("claude").FailFirst(1)
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, nil, eventbus.NopLogger{})

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())

	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.True(t, proposal.Failed())
	assert.Contains(t, proposal.Error, "simulated failure")
	assert.Nil(t, proposal.Data)

	health := agent.Health()
	assert.Equal(t, StatusError, health.Status)
	assert.Equal(t, 1, health.Failures)
	assert.Equal(t, 0, health.Proposals)
	assert.Contains(t, health.LastError, "simulated failure")
}

func TestSingleAgentRecoversAfterFailure(t *testing.T) {
	// One success after a vendor failure flips the health back to
	// active while keeping the failure count.
	provider := jsonReplyProvider().FailFirst(1)
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, nil, eventbus.NopLogger{})

	first, err := agent.GenerateProposal(context.Background(), sceneChallenge())
	require.NoError(t, err)
	assert.True(t, first.Failed())

	second, err := agent.GenerateProposal(context.Background(), sceneChallenge())
	require.NoError(t, err)
	assert.False(t, second.Failed())

	health := agent.Health()
	assert.Equal(t, StatusActive, health.Status)
	assert.Equal(t, 1, health.Failures)
	assert.Equal(t, 1, health.Proposals)
	assert.Empty(t, health.LastError)
}

func TestSingleAgentTokenCapBlocksBeforeProviderCall(t *testing.T) {
	// An exhausted budget propagates as an error and never reaches the
	// provider.
	provider := jsonReplyProvider()
	ldg := ledger.NewLedger(10, eventbus.NopLogger{})
	ldg.Record("scene-claude", "claude", ledger.Usage{Prompt: 8, Completion: 4, Total: 12})
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, ldg, eventbus.NopLogger{})

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())

	require.Error(t, err)
	assert.Nil(t, proposal)
	var capErr *ledger.TokenCapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 0, provider.Calls())

	// The breach is a budget decision, not an agent fault.
	health := agent.Health()
	assert.Equal(t, 0, health.Failures)
	assert.Equal(t, 0, health.Proposals)
}

func TestSingleAgentKeepsUnstructuredReplyAsReasoning(t *testing.T) {
	// Replies without a JSON object still produce a proposal; the raw
	// text lands in the reasoning field.
	provider := llm.NewMockProvider("claude").WithReply(func(req *llm.GenerateRequest) string {
		return "I would place a fountain in the plaza center."
	})
	agent := NewSingleLLMAgent("scene-claude", TypeScene, provider, nil, eventbus.NopLogger{})

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())

	require.NoError(t, err)
	assert.Nil(t, proposal.Data)
	assert.Equal(t, "I would place a fountain in the plaza center.", proposal.Reasoning)
	assert.Empty(t, proposal.Summary)
}

// =============================================================================
// MULTI PROVIDER AGENT TESTS
// =============================================================================

func TestMultiAgentResolvesProviderFromRegistry(t *testing.T) {
	// The agent holds a provider key, not an instance, and resolves it
	// per call so registry swaps take effect.
	registry := llm.NewRegistry()
	registry.Register(jsonReplyProvider())
	agent, err := NewMultiLLMAgent("scene-1", TypeScene, "claude", registry, nil, eventbus.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "claude", agent.Provider())

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())
	require.NoError(t, err)
	assert.Equal(t, "two anchors", proposal.Summary)
}

func TestMultiAgentRejectsUnknownProviderAtConstruction(t *testing.T) {
	// Binding to a provider the registry never saw fails immediately.
	registry := llm.NewRegistry()
	registry.Register(llm.NewMockProvider("claude"))

	agent, err := NewMultiLLMAgent("scene-1", TypeScene, "grok", registry, nil, eventbus.NopLogger{})

	require.Error(t, err)
	assert.Nil(t, agent)
	var unknownErr *llm.UnknownProviderError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "grok", unknownErr.Provider)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestAgentLifecycleTransitions(t *testing.T) {
	// Agents start inactive, activate on Start and return to inactive
	// on Stop.
	agent := NewMockAgent("scene-1", TypeScene, eventbus.NopLogger{})
	assert.Equal(t, StatusInactive, agent.Health().Status)

	require.NoError(t, agent.Initialize(context.Background()))
	assert.Equal(t, StatusInactive, agent.Health().Status)

	require.NoError(t, agent.Start(context.Background()))
	assert.Equal(t, StatusActive, agent.Health().Status)

	require.NoError(t, agent.Stop())
	assert.Equal(t, StatusInactive, agent.Health().Status)
}

// =============================================================================
// MOCK AGENT TESTS
// =============================================================================

func TestMockAgentShapesDataPerChallengeType(t *testing.T) {
	// Each challenge type gets data the downstream handlers can
	// consume directly.
	agent := NewMockAgent("mock-1", TypeScene, eventbus.NopLogger{})

	placement, err := agent.GenerateProposal(context.Background(), &Challenge{Type: proposals.TypeAssetPlacement, Genre: "Fantasy"})
	require.NoError(t, err)
	assert.Contains(t, placement.Data, "batches")

	camera, err := agent.GenerateProposal(context.Background(), &Challenge{Type: proposals.TypeCameraPlanning, Genre: "Fantasy"})
	require.NoError(t, err)
	assert.Contains(t, camera.Data, "shots")

	narration, err := agent.GenerateProposal(context.Background(), &Challenge{Type: proposals.TypeAudioNarration, Genre: "Fantasy"})
	require.NoError(t, err)
	assert.Contains(t, narration.Data, "script")
	assert.Contains(t, narration.Data, "channels")

	assert.Equal(t, 3, agent.Calls())
}

func TestMockAgentIsDeterministic(t *testing.T) {
	// The same challenge always yields the same data and token count.
	agent := NewMockAgent("mock-1", TypeScene, eventbus.NopLogger{})
	challenge := sceneChallenge()

	first, err := agent.GenerateProposal(context.Background(), challenge)
	require.NoError(t, err)
	second, err := agent.GenerateProposal(context.Background(), challenge)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.TokensUsed, second.TokensUsed)
}

func TestMockAgentFailureInjection(t *testing.T) {
	// WithFailure turns every generation into a failed proposal.
	agent := NewMockAgent("mock-1", TypeScene, eventbus.NopLogger{}).
		WithFailure(errors.New("scripted outage"))

	proposal, err := agent.GenerateProposal(context.Background(), sceneChallenge())

	require.NoError(t, err)
	assert.True(t, proposal.Failed())
	assert.Equal(t, "scripted outage", proposal.Error)
	assert.Equal(t, 1, agent.Health().Failures)
}

func TestMockAgentDelayHonorsCancellation(t *testing.T) {
	// A delayed mock gives up when the caller cancels.
	agent := NewMockAgent("mock-1", TypeScene, eventbus.NopLogger{}).
		WithDelay(500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	proposal, err := agent.GenerateProposal(ctx, sceneChallenge())

	require.Error(t, err)
	assert.Nil(t, proposal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
