package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
)

const mockProposalTokens = 128

// MockAgent produces deterministic proposals without touching any
// provider. It serves every challenge type, shaping the data the way
// the downstream construction handlers expect.
type MockAgent struct {
	base

	mu      sync.Mutex
	calls   int
	delay   time.Duration
	failErr error
}

// NewMockAgent creates a deterministic agent for tests and dry runs.
func NewMockAgent(id, agentType string, logger eventbus.Logger) *MockAgent {
	return &MockAgent{base: newBase(id, agentType, logger)}
}

func (a *MockAgent) Provider() string { return "mock" }

// WithDelay makes every generation wait before answering. Useful for
// exercising batch windows and judge timeouts.
func (a *MockAgent) WithDelay(d time.Duration) *MockAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
	return a
}

// WithFailure makes every generation report a failed proposal carrying
// the given error text.
func (a *MockAgent) WithFailure(err error) *MockAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failErr = err
	return a
}

// Calls reports how many generations were requested.
func (a *MockAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// GenerateProposal returns a canned proposal for the challenge type.
// The same challenge always yields the same data.
func (a *MockAgent) GenerateProposal(ctx context.Context, challenge *Challenge) (*proposals.Proposal, error) {
	a.mu.Lock()
	a.calls++
	delay, failErr := a.delay, a.failErr
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failErr != nil {
		a.markFailure(failErr)
		return &proposals.Proposal{
			AgentID:      a.id,
			ProposalType: challenge.Type,
			Timestamp:    time.Now(),
			Error:        failErr.Error(),
		}, nil
	}

	a.markSuccess(mockProposalTokens)
	return &proposals.Proposal{
		AgentID:      a.id,
		ProposalType: challenge.Type,
		Data:         mockData(a.id, challenge),
		Summary:      fmt.Sprintf("%s plan from %s", challenge.Type, a.id),
		Reasoning:    fmt.Sprintf("deterministic %s proposal for genre %q", challenge.Type, challenge.Genre),
		Timestamp:    time.Now(),
		TokensUsed:   mockProposalTokens,
	}, nil
}

// mockData shapes per-type payloads that the scene, camera and audio
// handlers can consume without special-casing mock runs.
func mockData(agentID string, challenge *Challenge) map[string]any {
	switch challenge.Type {
	case proposals.TypeAssetPlacement:
		return map[string]any{
			"batches": []map[string]any{
				{
					"name": fmt.Sprintf("%s-set", agentID),
					"elements": []map[string]any{
						{
							"type":     "cube",
							"name":     fmt.Sprintf("%s_anchor", agentID),
							"position": []any{2.0, 0.0, 1.0},
							"scale":    []any{1.0, 1.0, 1.0},
						},
						{
							"type":     "sphere",
							"name":     fmt.Sprintf("%s_marker", agentID),
							"position": []any{-1.0, 0.5, 3.0},
							"scale":    []any{0.5, 0.5, 0.5},
						},
					},
				},
			},
		}
	case proposals.TypeCameraPlanning, proposals.TypeCameraMove:
		return map[string]any{
			"shots": []map[string]any{
				{
					"type":       "smoothMove",
					"start":      []any{0.0, 2.0, -5.0},
					"end":        []any{4.0, 2.5, -2.0},
					"durationMs": 4000,
				},
			},
		}
	case proposals.TypeAudioNarration, proposals.TypeStoryAdvance:
		return map[string]any{
			"script": fmt.Sprintf("The %s story advances.", challenge.Genre),
			"channels": map[string]any{
				"narration": map[string]any{"text": fmt.Sprintf("Narration by %s.", agentID)},
				"ambient":   map[string]any{"mood": "low hum"},
			},
		}
	default:
		return map[string]any{"note": fmt.Sprintf("%s has nothing specific for %s", agentID, challenge.Type)}
	}
}

var _ Agent = (*MockAgent)(nil)
