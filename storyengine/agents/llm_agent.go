package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/ledger"
	"github.com/agent-adventures/adventure-core/storyengine/llm"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// SingleLLMAgent generates proposals through one fixed provider
// instance.
type SingleLLMAgent struct {
	base
	provider llm.Provider
	ledger   *ledger.Ledger
}

// NewSingleLLMAgent creates an agent bound to the given provider
// instance. The ledger may be nil to disable budget accounting.
func NewSingleLLMAgent(id, agentType string, provider llm.Provider, ldg *ledger.Ledger, logger eventbus.Logger) *SingleLLMAgent {
	return &SingleLLMAgent{
		base:     newBase(id, agentType, logger),
		provider: provider,
		ledger:   ldg,
	}
}

func (a *SingleLLMAgent) Provider() string {
	return a.provider.Name()
}

// GenerateProposal builds the challenge prompt, calls the provider and
// shapes the reply into a proposal.
func (a *SingleLLMAgent) GenerateProposal(ctx context.Context, challenge *Challenge) (*proposals.Proposal, error) {
	return generateProposal(ctx, &a.base, a.ledger, a.provider, challenge)
}

// MultiLLMAgent binds an agent id to one provider key at construction
// and resolves the instance from a shared registry on every call, so
// registry-level swaps (breaker wraps, mock rollout) apply without
// rebuilding the roster. Failover across providers is not automatic.
type MultiLLMAgent struct {
	base
	registry     *llm.Registry
	providerName string
	ledger       *ledger.Ledger
}

// NewMultiLLMAgent creates an agent bound to providerName inside the
// registry. Construction fails when the provider is not registered.
func NewMultiLLMAgent(id, agentType, providerName string, registry *llm.Registry, ldg *ledger.Ledger, logger eventbus.Logger) (*MultiLLMAgent, error) {
	if _, ok := registry.Get(providerName); !ok {
		return nil, llm.NewUnknownProviderError(providerName)
	}
	return &MultiLLMAgent{
		base:         newBase(id, agentType, logger),
		registry:     registry,
		providerName: providerName,
		ledger:       ldg,
	}, nil
}

func (a *MultiLLMAgent) Provider() string {
	return a.providerName
}

// GenerateProposal resolves the bound provider and runs the shared
// generation flow.
func (a *MultiLLMAgent) GenerateProposal(ctx context.Context, challenge *Challenge) (*proposals.Proposal, error) {
	provider, ok := a.registry.Get(a.providerName)
	if !ok {
		return nil, llm.NewUnknownProviderError(a.providerName)
	}
	return generateProposal(ctx, &a.base, a.ledger, provider, challenge)
}

// generateProposal is the provider-backed generation flow shared by
// the LLM agent variants. A token cap breach propagates as an error;
// every other failure becomes a failed Proposal.
func generateProposal(ctx context.Context, ag *base, ldg *ledger.Ledger, provider llm.Provider, challenge *Challenge) (*proposals.Proposal, error) {
	ctx, span := tracer.Start(ctx, "agent.generate_proposal")
	defer span.End()
	span.SetAttributes(
		attribute.String("adventure.agent.id", ag.id),
		attribute.String("adventure.agent.type", ag.agentType),
		attribute.String("adventure.llm.provider", provider.Name()),
		attribute.String("adventure.challenge.type", challenge.Type),
	)

	if ldg != nil {
		if err := ldg.CheckBudget(ag.id, provider.Name()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	start := time.Now()
	result, err := provider.Generate(ctx, &llm.GenerateRequest{
		Prompt: buildPrompt(challenge),
		System: systemPrompt(ag.agentType),
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		ag.markFailure(err)
		observability.RecordProposal(challenge.Type, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ag.logger.Warning(fmt.Sprintf("%s_proposal_failed", ag.id),
			"challengeType", challenge.Type,
			"provider", provider.Name(),
			"durationMs", durationMS,
			"error", err)
		return &proposals.Proposal{
			AgentID:      ag.id,
			ProposalType: challenge.Type,
			Timestamp:    time.Now(),
			Error:        err.Error(),
		}, nil
	}

	if ldg != nil {
		ldg.Record(ag.id, provider.Name(), result.Usage)
	}
	ag.markSuccess(result.Usage.Total)
	observability.RecordProposal(challenge.Type, "success")

	proposal := shapeProposal(ag.id, challenge, result)
	ag.logger.Info(fmt.Sprintf("%s_proposal_ready", ag.id),
		"challengeType", challenge.Type,
		"provider", provider.Name(),
		"tokens", result.Usage.Total,
		"durationMs", durationMS)
	return proposal, nil
}

// shapeProposal folds the provider reply into a proposal, lifting
// well-known fields out of the extracted JSON when present.
func shapeProposal(agentID string, challenge *Challenge, result *llm.GenerateResult) *proposals.Proposal {
	proposal := &proposals.Proposal{
		AgentID:      agentID,
		ProposalType: challenge.Type,
		Timestamp:    time.Now(),
		TokensUsed:   result.Usage.Total,
	}
	parsed, ok := llm.ExtractJSON(result.Text)
	if !ok {
		// Unstructured replies still count as proposals; the raw text
		// becomes the reasoning.
		proposal.Reasoning = strings.TrimSpace(result.Text)
		return proposal
	}
	proposal.Data = parsed
	proposal.Summary = typeutil.SafeStringDefault(parsed["summary"], "")
	proposal.Reasoning = typeutil.SafeStringDefault(parsed["reasoning"], "")
	if spatial, ok := typeutil.SafeMapStringAny(parsed["spatial"]); ok {
		proposal.Spatial = spatial
	}
	return proposal
}

// ===== PROMPTS =====

func systemPrompt(agentType string) string {
	switch agentType {
	case TypeScene:
		return "You are a scene designer for a live 3D adventure. Respond with a single JSON object."
	case TypeCamera:
		return "You are a camera director for a live 3D adventure. Respond with a single JSON object."
	case TypeStory, TypeAudio:
		return "You are a narrative director for a live 3D adventure. Respond with a single JSON object."
	default:
		return "You are a creative director for a live 3D adventure. Respond with a single JSON object."
	}
}

func buildPrompt(challenge *Challenge) string {
	var b strings.Builder
	switch challenge.Type {
	case proposals.TypeAssetPlacement:
		b.WriteString("Propose asset placements for the current scene. ")
		b.WriteString("Reply with {\"summary\", \"reasoning\", \"batches\": [{\"name\", \"elements\": [{\"type\", \"name\", \"position\", \"scale\"}]}]}.")
	case proposals.TypeCameraPlanning, proposals.TypeCameraMove:
		b.WriteString("Plan camera work for the current scene. ")
		b.WriteString("Reply with {\"summary\", \"reasoning\", \"shots\": [{\"type\": \"smoothMove|arcShot|orbitShot\", \"start\", \"end\", \"durationMs\"}]}.")
	case proposals.TypeAudioNarration, proposals.TypeStoryAdvance:
		b.WriteString("Write the next narrative beat and its audio direction. ")
		b.WriteString("Reply with {\"summary\", \"reasoning\", \"script\", \"channels\": {\"narration\", \"ambient\", \"music\"}}.")
	default:
		b.WriteString("Propose the next step for the adventure. ")
		b.WriteString("Reply with {\"summary\", \"reasoning\"}.")
	}
	if challenge.Genre != "" {
		fmt.Fprintf(&b, "\nGenre: %s.", challenge.Genre)
	}
	if len(challenge.Context) > 0 {
		if encoded, err := json.Marshal(challenge.Context); err == nil {
			fmt.Fprintf(&b, "\nContext: %s", encoded)
		}
	}
	return b.String()
}

var (
	_ Agent = (*SingleLLMAgent)(nil)
	_ Agent = (*MultiLLMAgent)(nil)
)
