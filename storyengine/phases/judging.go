package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/judging"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// judgingPhase folds each agent's three stage outputs into one judged
// proposal, runs the panel, and persists the decision. With no
// complete proposals the iteration skips straight to cleanup.
type judgingPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *judgingPhase) Name() string { return PhaseJudging }

func (p *judgingPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if len(c.Proposals) == 0 {
		p.logger.Warning("judging_skipped", "reason", "no complete proposals")
		return PhaseCleanup, nil
	}

	batchID := "complete_" + uuid.New().String()[:8]
	summary := &judging.BatchSummary{
		BatchID:      batchID,
		ProposalType: "complete",
		Genre:        c.Genre.Name,
		Proposals:    make([]*proposals.Proposal, 0, len(c.Proposals)),
	}
	for _, complete := range c.Proposals {
		summary.Proposals = append(summary.Proposals, foldProposal(batchID, complete))
	}

	var decision *judging.Decision
	if p.deps.Settings != nil && !p.deps.Settings.JudgePanel() {
		// Panel disabled: the first complete proposal wins by default.
		decision = &judging.Decision{
			BatchID:    batchID,
			Winner:     c.Proposals[0].AgentID,
			Reasoning:  "judge panel disabled; first complete proposal wins",
			Confidence: judging.ConfidenceLow,
		}
	} else {
		var err error
		decision, err = p.deps.Panel.EvaluateBatch(ctx, summary)
		if err != nil {
			return "", fmt.Errorf("judge panel: %w", err)
		}
	}
	c.Decision = decision
	c.Winner = c.proposalFor(decision.Winner)

	if err := p.deps.State.UpdateState(ctx, "competition", map[string]any{
		"winner":   decision.Winner,
		"decision": decisionPayload(decision),
	}); err != nil {
		return "", fmt.Errorf("persist decision: %w", err)
	}

	if c.Winner == nil {
		p.logger.Warning("judging_no_winner", "batchId", batchID)
		return PhaseCleanup, nil
	}
	p.logger.Info("judging_resolved",
		"batchId", batchID,
		"winner", decision.Winner,
		"confidence", decision.Confidence)
	return PhaseSceneConstruction, nil
}

// foldProposal joins one agent's stage outputs into a single judged
// proposal. Missing later stages stay absent rather than failing the
// agent.
func foldProposal(batchID string, complete *CompleteProposal) *proposals.Proposal {
	data := map[string]any{}
	reasoning := ""
	tokens := 0

	if complete.Asset != nil {
		data["assetPlacement"] = typeutil.DeepCopyMap(complete.Asset.Data)
		reasoning = complete.Asset.Reasoning
		tokens += complete.Asset.TokensUsed
	}
	if complete.Camera != nil {
		data["cameraPlanning"] = typeutil.DeepCopyMap(complete.Camera.Data)
		tokens += complete.Camera.TokensUsed
	}
	if complete.Audio != nil {
		data["audioNarration"] = typeutil.DeepCopyMap(complete.Audio.Data)
		tokens += complete.Audio.TokensUsed
	}

	return &proposals.Proposal{
		BatchID:      batchID,
		AgentID:      complete.AgentID,
		ProposalType: "complete",
		Data:         data,
		Reasoning:    reasoning,
		Timestamp:    time.Now(),
		TokensUsed:   tokens,
	}
}

func decisionPayload(decision *judging.Decision) map[string]any {
	payload := map[string]any{
		"batchId":    decision.BatchID,
		"winner":     decision.Winner,
		"reasoning":  decision.Reasoning,
		"confidence": decision.Confidence,
	}
	if decision.Concerns != "" {
		payload["concerns"] = decision.Concerns
	}
	return payload
}
