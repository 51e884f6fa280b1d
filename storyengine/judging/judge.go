// Package judging scores proposal batches through a weighted judge
// panel and produces the competition decision.
package judging

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/agent-adventures/adventure-core/storyengine/proposals"
)

var tracer = otel.Tracer("adventure-core/judging")

// Confidence labels, ordered low to high.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Config describes one seat on the panel. Strictness runs 0 (lenient)
// to 1 (demanding) and only shapes LLM judge prompts.
type Config struct {
	ID         string  `json:"id"`
	Specialty  string  `json:"specialty"`
	Weight     float64 `json:"weight"`
	Strictness float64 `json:"strictness"`
}

// DefaultConfigs returns the stock four-seat panel.
func DefaultConfigs() []Config {
	return []Config{
		{ID: "judge-technical", Specialty: "technical", Weight: 1.2, Strictness: 0.8},
		{ID: "judge-story", Specialty: "story", Weight: 1.0, Strictness: 0.5},
		{ID: "judge-audience", Specialty: "audience", Weight: 1.0, Strictness: 0.2},
		{ID: "judge-visual", Specialty: "visual", Weight: 0.8, Strictness: 0.5},
	}
}

// BatchSummary is the judged view of a resolved proposal batch.
type BatchSummary struct {
	BatchID      string
	ProposalType string
	Genre        string
	Proposals    []*proposals.Proposal
}

func (s *BatchSummary) hasAgent(agentID string) bool {
	for _, p := range s.Proposals {
		if p.AgentID == agentID {
			return true
		}
	}
	return false
}

// Evaluation is one judge's verdict over a batch.
type Evaluation struct {
	Winner     string
	Confidence string
	Scores     map[string]float64
	Reasoning  string
}

// Judge scores every proposal in a batch and nominates a winner.
type Judge interface {
	ID() string
	Specialty() string
	Weight() float64
	Evaluate(ctx context.Context, summary *BatchSummary) (*Evaluation, error)
}

// JudgeScore is one judge's line in the decision record. Failed judges
// carry their error and contribute zero weight.
type JudgeScore struct {
	JudgeID    string             `json:"judgeId"`
	Specialty  string             `json:"specialty"`
	Weight     float64            `json:"weight"`
	Winner     string             `json:"winner,omitempty"`
	Confidence string             `json:"confidence,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func (s JudgeScore) toMap() map[string]any {
	m := map[string]any{
		"judgeId":   s.JudgeID,
		"specialty": s.Specialty,
		"weight":    s.Weight,
	}
	if s.Error != "" {
		m["error"] = s.Error
		return m
	}
	m["winner"] = s.Winner
	m["confidence"] = s.Confidence
	if len(s.Scores) > 0 {
		scores := make(map[string]any, len(s.Scores))
		for agentID, score := range s.Scores {
			scores[agentID] = score
		}
		m["scores"] = scores
	}
	if s.Reasoning != "" {
		m["reasoning"] = s.Reasoning
	}
	return m
}

// Decision is the panel's verdict for one batch. An empty Winner means
// no proposal could be named.
type Decision struct {
	BatchID        string       `json:"batchId"`
	Winner         string       `json:"winner,omitempty"`
	Reasoning      string       `json:"reasoning"`
	Confidence     string       `json:"confidence"`
	Concerns       string       `json:"concerns,omitempty"`
	PerJudgeScores []JudgeScore `json:"perJudgeScores"`
}

func confidenceScore(label string) float64 {
	switch label {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// normalizeConfidence folds free-form labels onto the three canonical
// values. Unrecognized labels read as medium.
func normalizeConfidence(label string) string {
	switch label {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return label
	default:
		return ConfidenceMedium
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
