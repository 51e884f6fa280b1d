package judging

import (
	"context"
	"fmt"
	"strings"

	"github.com/agent-adventures/adventure-core/storyengine/ledger"
	"github.com/agent-adventures/adventure-core/storyengine/llm"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// LLMJudge asks a provider to rank the batch and parses its verdict.
type LLMJudge struct {
	cfg      Config
	provider llm.Provider
	ledger   *ledger.Ledger
}

// NewLLMJudge creates a provider-backed judge. The ledger may be nil
// to disable token accounting for the seat.
func NewLLMJudge(cfg Config, provider llm.Provider, ldg *ledger.Ledger) *LLMJudge {
	return &LLMJudge{cfg: cfg, provider: provider, ledger: ldg}
}

func (j *LLMJudge) ID() string        { return j.cfg.ID }
func (j *LLMJudge) Specialty() string { return j.cfg.Specialty }
func (j *LLMJudge) Weight() float64   { return j.cfg.Weight }

// Evaluate prompts the provider over the batch summary and parses the
// JSON verdict. Any vendor, budget or parse failure surfaces as an
// error; the panel zeroes the seat's weight for the batch.
func (j *LLMJudge) Evaluate(ctx context.Context, summary *BatchSummary) (*Evaluation, error) {
	if j.ledger != nil {
		if err := j.ledger.CheckBudget(j.cfg.ID, j.provider.Name()); err != nil {
			return nil, err
		}
	}

	result, err := j.provider.Generate(ctx, &llm.GenerateRequest{
		Prompt: verdictPrompt(j.cfg, summary),
		System: fmt.Sprintf("You are the %s judge of an adventure competition panel. Respond with a single JSON object.", j.cfg.Specialty),
	})
	if err != nil {
		return nil, err
	}
	if j.ledger != nil {
		j.ledger.Record(j.cfg.ID, j.provider.Name(), result.Usage)
	}

	parsed, ok := llm.ExtractJSON(result.Text)
	if !ok {
		return nil, fmt.Errorf("judge %s returned no verdict object", j.cfg.ID)
	}
	winner, _ := typeutil.SafeString(parsed["winner"])
	if winner == "" {
		return nil, fmt.Errorf("judge %s named no winner", j.cfg.ID)
	}
	if !summary.hasAgent(winner) {
		return nil, fmt.Errorf("judge %s nominated %q which is not in the batch", j.cfg.ID, winner)
	}

	eval := &Evaluation{
		Winner:     winner,
		Confidence: normalizeConfidence(typeutil.SafeStringDefault(parsed["confidence"], "")),
		Reasoning:  typeutil.SafeStringDefault(parsed["reasoning"], ""),
	}
	if rawScores, ok := typeutil.SafeMapStringAny(parsed["scores"]); ok {
		eval.Scores = make(map[string]float64, len(rawScores))
		for agentID, v := range rawScores {
			eval.Scores[agentID] = typeutil.SafeFloat64Default(v, 0)
		}
	}
	return eval, nil
}

func verdictPrompt(cfg Config, summary *BatchSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rank the %s proposals for batch %s", summary.ProposalType, summary.BatchID)
	if summary.Genre != "" {
		fmt.Fprintf(&b, " (genre: %s)", summary.Genre)
	}
	b.WriteString(".\n")
	for _, p := range summary.Proposals {
		fmt.Fprintf(&b, "- agent %s: %s", p.AgentID, firstNonEmpty(p.Summary, "(no summary)"))
		if p.Reasoning != "" {
			fmt.Fprintf(&b, " | reasoning: %s", truncate(p.Reasoning, 280))
		}
		if p.Failed() {
			fmt.Fprintf(&b, " | FAILED: %s", truncate(p.Error, 120))
		}
		b.WriteString("\n")
	}
	switch {
	case cfg.Strictness >= 0.7:
		b.WriteString("Be demanding. Penalize vague or incomplete proposals hard.\n")
	case cfg.Strictness <= 0.3:
		b.WriteString("Reward ambition and audience appeal over polish.\n")
	}
	fmt.Fprintf(&b, "Judge as a %s specialist. ", cfg.Specialty)
	b.WriteString(`Reply with {"winner": "<agentId>", "confidence": "high|medium|low", "scores": {"<agentId>": 0-10}, "reasoning": "<one sentence>"}.`)
	return b.String()
}

func firstNonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

var _ Judge = (*LLMJudge)(nil)
