package phases

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/agents"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// competitionStages is the three-round protocol, in order. Each round
// builds on the survivors of the previous one.
var competitionStages = []string{
	proposals.TypeAssetPlacement,
	proposals.TypeCameraPlanning,
	proposals.TypeAudioNarration,
}

// competitionPhase runs the agent competition: every agent proposes a
// scene layout, survivors plan cameras over their own layout, and the
// remaining agents narrate. The three stage outputs join into one
// complete proposal per agent; an agent that fails a round drops out
// and its later pieces stay nil.
type competitionPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *competitionPhase) Name() string { return PhaseAgentCompetition }

func (p *competitionPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if len(p.deps.Agents) == 0 {
		return "", fmt.Errorf("agent competition has no agents")
	}

	survivors := append([]agents.Agent(nil), p.deps.Agents...)
	joined := make(map[string]*CompleteProposal, len(survivors))

	for _, proposalType := range competitionStages {
		if len(survivors) == 0 {
			break
		}

		collected, err := p.runStage(ctx, c, proposalType, survivors, joined)
		if err != nil {
			return "", err
		}

		var still []agents.Agent
		for _, agent := range survivors {
			proposal := collected[agent.ID()]
			if proposal == nil || proposal.Failed() {
				p.logger.Warning("agent_dropped",
					"agent", agent.ID(),
					"stage", proposalType,
					"error", dropReason(proposal))
				continue
			}
			joinStage(joined, agent.ID(), proposalType, proposal)
			still = append(still, agent)
		}
		survivors = still
	}

	// Order follows the configured agent roster.
	c.Proposals = nil
	for _, agent := range p.deps.Agents {
		if complete, ok := joined[agent.ID()]; ok && complete.Asset != nil {
			c.Proposals = append(c.Proposals, complete)
		}
	}

	p.logger.Info("competition_finished",
		"agents", len(p.deps.Agents),
		"completeProposals", len(c.Proposals))
	return PhaseJudging, nil
}

// runStage opens one batch, fans the challenge out to every surviving
// agent in parallel, and waits for the batch to resolve. The returned
// map holds each agent's proposal (failed ones included) keyed by
// agent id.
func (p *competitionPhase) runStage(ctx context.Context, c *Context, proposalType string, roster []agents.Agent, joined map[string]*CompleteProposal) (map[string]*proposals.Proposal, error) {
	batchID := fmt.Sprintf("%s_%s", proposalType, uuid.New().String()[:8])
	ids := make([]string, len(roster))
	for i, agent := range roster {
		ids[i] = agent.ID()
	}

	resolved := make(chan struct{}, 1)
	cancel := p.deps.Bus.Subscribe(p.deps.Batches.CompletionEvent(), func(context.Context, *eventbus.Event) error {
		select {
		case resolved <- struct{}{}:
		default:
		}
		return nil
	}, eventbus.WithFilter(func(event *eventbus.Event) bool {
		return typeutil.SafeStringDefault(event.PayloadMap()["batchId"], "") == batchID
	}))
	defer cancel()

	batchContext := map[string]any{"genre": c.Genre.Name, "iteration": c.Iteration}
	if _, err := p.deps.Batches.OpenBatch(ctx, batchID, proposalType, batchContext, p.deps.ProposalWindow, ids); err != nil {
		return nil, fmt.Errorf("open %s batch: %w", proposalType, err)
	}

	p.emit(ctx, eventbus.EventCompetitionStarted, map[string]any{
		"type":    proposalType,
		"batchId": batchID,
	})

	var mu sync.Mutex
	collected := make(map[string]*proposals.Proposal, len(roster))
	var wg sync.WaitGroup
	for _, agent := range roster {
		wg.Add(1)
		go func(agent agents.Agent) {
			defer wg.Done()
			proposal := p.generate(ctx, c, agent, proposalType, batchID, joined)
			mu.Lock()
			collected[agent.ID()] = proposal
			mu.Unlock()
			if proposal == nil {
				return
			}
			if err := p.deps.Batches.Submit(ctx, batchID, agent.ID(), proposal); err != nil {
				p.logger.Warning("proposal_submit_rejected",
					"batchId", batchID,
					"agent", agent.ID(),
					"error", err)
			}
		}(agent)
	}
	wg.Wait()

	// The manager resolves on full reception or on its deadline; the
	// grace period only covers a lost completion event.
	select {
	case <-resolved:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.deps.ProposalWindow + 5*time.Second):
		p.logger.Warning("batch_resolution_missed", "batchId", batchID)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]*proposals.Proposal, len(collected))
	for id, proposal := range collected {
		out[id] = proposal
	}
	return out, nil
}

// generate produces one agent's proposal for the round. Prior-round
// outputs ride along in the challenge context so later rounds can
// reference the agent's own layout. Any error becomes a failed
// proposal so the batch accounts for every agent.
func (p *competitionPhase) generate(ctx context.Context, c *Context, agent agents.Agent, proposalType, batchID string, joined map[string]*CompleteProposal) *proposals.Proposal {
	challengeContext := map[string]any{}
	if complete := joined[agent.ID()]; complete != nil {
		if complete.Asset != nil {
			challengeContext["assetProposal"] = typeutil.DeepCopyMap(complete.Asset.Data)
		}
		if complete.Camera != nil {
			challengeContext["cameraProposal"] = typeutil.DeepCopyMap(complete.Camera.Data)
		}
	}

	proposal, err := agent.GenerateProposal(ctx, &agents.Challenge{
		ID:      batchID,
		Type:    proposalType,
		Genre:   c.Genre.Name,
		Context: challengeContext,
	})
	if err != nil {
		// Token cap and other hard errors still count as a submission
		// so the batch can resolve without waiting for the deadline.
		return &proposals.Proposal{
			BatchID:      batchID,
			AgentID:      agent.ID(),
			ProposalType: proposalType,
			Timestamp:    time.Now(),
			Error:        err.Error(),
		}
	}
	return proposal
}

func (p *competitionPhase) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := p.deps.Bus.Emit(ctx, eventType, payload); err != nil {
		p.logger.Warning("competition_event_delivery_failed", "eventType", eventType, "error", err)
	}
}

func joinStage(joined map[string]*CompleteProposal, agentID, proposalType string, proposal *proposals.Proposal) {
	complete := joined[agentID]
	if complete == nil {
		complete = &CompleteProposal{AgentID: agentID}
		joined[agentID] = complete
	}
	switch proposalType {
	case proposals.TypeAssetPlacement:
		complete.Asset = proposal
	case proposals.TypeCameraPlanning:
		complete.Camera = proposal
	case proposals.TypeAudioNarration:
		complete.Audio = proposal
	}
}

func dropReason(proposal *proposals.Proposal) string {
	if proposal == nil {
		return "no proposal produced"
	}
	return proposal.Error
}
