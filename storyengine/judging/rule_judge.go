package judging

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// DefaultFormula scores structure and effort: placed elements, planned
// shots, audio channels, reasoning depth, spatial grounding. Failed
// proposals sink to the bottom.
const DefaultFormula = `elements * 2.0 + shots * 3.0 + channels * 1.5 + reasoningLength / 64.0 + (hasSpatial ? 2.0 : 0.0) - (failed ? 100.0 : 0.0)`

// RuleBasedJudge scores proposals with a compiled expression over
// structural features and nominates the argmax. No provider calls.
type RuleBasedJudge struct {
	cfg     Config
	formula string
	program *vm.Program
}

// NewRuleBasedJudge compiles the formula once. An empty formula uses
// DefaultFormula.
func NewRuleBasedJudge(cfg Config, formula string) (*RuleBasedJudge, error) {
	if formula == "" {
		formula = DefaultFormula
	}
	program, err := expr.Compile(formula, expr.Env(map[string]interface{}{}))
	if err != nil {
		return nil, fmt.Errorf("judge %s has an invalid formula: %w", cfg.ID, err)
	}
	return &RuleBasedJudge{cfg: cfg, formula: formula, program: program}, nil
}

func (j *RuleBasedJudge) ID() string        { return j.cfg.ID }
func (j *RuleBasedJudge) Specialty() string { return j.cfg.Specialty }
func (j *RuleBasedJudge) Weight() float64   { return j.cfg.Weight }

// Evaluate runs the formula over every proposal's features. A formula
// run error scores that proposal zero rather than failing the judge.
func (j *RuleBasedJudge) Evaluate(_ context.Context, summary *BatchSummary) (*Evaluation, error) {
	if len(summary.Proposals) == 0 {
		return nil, fmt.Errorf("judge %s has nothing to score", j.cfg.ID)
	}

	scores := make(map[string]float64, len(summary.Proposals))
	for _, p := range summary.Proposals {
		scores[p.AgentID] = j.score(p)
	}

	ranked := make([]string, 0, len(scores))
	for agentID := range scores {
		ranked = append(ranked, agentID)
	}
	sort.Slice(ranked, func(a, b int) bool {
		if scores[ranked[a]] != scores[ranked[b]] {
			return scores[ranked[a]] > scores[ranked[b]]
		}
		return ranked[a] < ranked[b]
	})

	winner := ranked[0]
	top := scores[winner]
	eval := &Evaluation{
		Winner:     winner,
		Scores:     scores,
		Confidence: ConfidenceMedium,
		Reasoning:  fmt.Sprintf("formula scored %s at %.1f", winner, top),
	}
	if len(ranked) > 1 {
		second := scores[ranked[1]]
		spread := top - second
		switch {
		case spread == 0:
			eval.Confidence = ConfidenceLow
			eval.Reasoning = fmt.Sprintf("formula tied %s and %s at %.1f", winner, ranked[1], top)
		case spread >= 0.25*math.Max(math.Abs(top), 1):
			eval.Confidence = ConfidenceHigh
			eval.Reasoning = fmt.Sprintf("formula favored %s (%.1f over %.1f)", winner, top, second)
		default:
			eval.Reasoning = fmt.Sprintf("formula narrowly favored %s (%.1f over %.1f)", winner, top, second)
		}
	}
	return eval, nil
}

func (j *RuleBasedJudge) score(p *proposals.Proposal) float64 {
	output, err := expr.Run(j.program, proposalFeatures(p))
	if err != nil {
		return 0
	}
	switch v := output.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// proposalFeatures flattens a proposal into the variables the scoring
// formulas see.
func proposalFeatures(p *proposals.Proposal) map[string]interface{} {
	batches, _ := typeutil.SafeMapSlice(p.Data["batches"])
	elements := 0
	for _, batch := range batches {
		placed, _ := typeutil.SafeMapSlice(batch["elements"])
		elements += len(placed)
	}
	shots, _ := typeutil.SafeMapSlice(p.Data["shots"])
	channels, _ := typeutil.SafeMapStringAny(p.Data["channels"])
	return map[string]interface{}{
		"batches":         len(batches),
		"elements":        elements,
		"shots":           len(shots),
		"channels":        len(channels),
		"dataKeys":        len(p.Data),
		"reasoningLength": len(p.Reasoning),
		"summaryLength":   len(p.Summary),
		"tokensUsed":      p.TokensUsed,
		"hasSpatial":      len(p.Spatial) > 0,
		"failed":          p.Failed(),
	}
}

var _ Judge = (*RuleBasedJudge)(nil)
