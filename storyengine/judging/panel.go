package judging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
)

// DefaultJudgeTimeout bounds a single judge's evaluation.
const DefaultJudgeTimeout = 20 * time.Second

// Panel fans a batch out to its judges in parallel and folds their
// verdicts into one weighted decision.
type Panel struct {
	judges       []Judge
	bus          eventbus.Bus
	logger       eventbus.Logger
	judgeTimeout time.Duration
}

// PanelOption configures a Panel.
type PanelOption func(*Panel)

// WithJudgeTimeout overrides the per-judge evaluation timeout.
func WithJudgeTimeout(d time.Duration) PanelOption {
	return func(p *Panel) {
		if d > 0 {
			p.judgeTimeout = d
		}
	}
}

// NewPanel assembles a panel. The bus may be nil; decisions are then
// returned without a dashboard event.
func NewPanel(judges []Judge, bus eventbus.Bus, logger eventbus.Logger, opts ...PanelOption) *Panel {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	p := &Panel{
		judges:       judges,
		bus:          bus,
		logger:       logger.Bind("component", "judge_panel"),
		judgeTimeout: DefaultJudgeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type evalOutcome struct {
	eval *Evaluation
	err  error
}

// EvaluateBatch runs every judge against the summary and computes the
// weighted decision. Individual judge failures zero that seat's weight;
// only an empty panel is an error.
func (p *Panel) EvaluateBatch(ctx context.Context, summary *BatchSummary) (*Decision, error) {
	if len(p.judges) == 0 {
		return nil, errors.New("judge panel is empty")
	}

	ctx, span := tracer.Start(ctx, "panel.evaluate_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("adventure.batch.id", summary.BatchID),
		attribute.String("adventure.batch.type", summary.ProposalType),
		attribute.Int("adventure.batch.proposals", len(summary.Proposals)),
	)

	if len(summary.Proposals) == 0 {
		decision := &Decision{
			BatchID:    summary.BatchID,
			Reasoning:  "no proposals received",
			Confidence: ConfidenceLow,
			Concerns:   "nothing to judge",
		}
		p.publish(ctx, decision)
		return decision, nil
	}

	outcomes := p.fanOut(ctx, summary)

	votes := make(map[string]float64)
	confSum := make(map[string]float64)
	nominations := make(map[string]int)
	scores := make([]JudgeScore, 0, len(p.judges))
	failed := 0

	for _, judge := range p.judges {
		out := outcomes[judge.ID()]
		entry := JudgeScore{JudgeID: judge.ID(), Specialty: judge.Specialty(), Weight: judge.Weight()}
		err := out.err
		if err == nil && !summary.hasAgent(out.eval.Winner) {
			// A nomination outside the batch counts as a failed
			// evaluation.
			err = fmt.Errorf("nominated %q which is not in the batch", out.eval.Winner)
		}
		if err != nil {
			failed++
			entry.Weight = 0
			entry.Error = err.Error()
			p.logger.Warning("judge_evaluation_failed",
				"judgeId", judge.ID(),
				"batchId", summary.BatchID,
				"error", err)
			scores = append(scores, entry)
			continue
		}
		entry.Winner = out.eval.Winner
		entry.Confidence = out.eval.Confidence
		entry.Scores = out.eval.Scores
		entry.Reasoning = out.eval.Reasoning
		scores = append(scores, entry)

		votes[out.eval.Winner] += judge.Weight()
		confSum[out.eval.Winner] += confidenceScore(out.eval.Confidence)
		nominations[out.eval.Winner]++
	}

	if failed == len(p.judges) {
		decision := &Decision{
			BatchID:        summary.BatchID,
			Winner:         summary.Proposals[0].AgentID,
			Reasoning:      "all judges failed to evaluate; defaulting to the first received proposal",
			Confidence:     ConfidenceLow,
			Concerns:       "panel unavailable",
			PerJudgeScores: scores,
		}
		p.publish(ctx, decision)
		return decision, nil
	}

	winner, margin := pickWinner(votes, confSum, nominations)
	avgConfidence := confSum[winner] / float64(nominations[winner])

	decision := &Decision{
		BatchID:        summary.BatchID,
		Winner:         winner,
		Reasoning:      p.reasoningFor(winner, scores, votes[winner], nominations[winner]),
		Confidence:     overallConfidence(avgConfidence),
		Concerns:       concernsFor(margin, nominations[winner], len(p.judges)),
		PerJudgeScores: scores,
	}
	p.publish(ctx, decision)
	return decision, nil
}

// fanOut evaluates every judge on its own goroutine under the
// per-judge timeout and collects the outcomes by judge id.
func (p *Panel) fanOut(ctx context.Context, summary *BatchSummary) map[string]evalOutcome {
	type keyed struct {
		judgeID string
		out     evalOutcome
	}
	results := make(chan keyed, len(p.judges))
	for _, judge := range p.judges {
		go func(j Judge) {
			jctx, cancel := context.WithTimeout(ctx, p.judgeTimeout)
			defer cancel()
			eval, err := j.Evaluate(jctx, summary)
			results <- keyed{judgeID: j.ID(), out: evalOutcome{eval: eval, err: err}}
		}(judge)
	}
	outcomes := make(map[string]evalOutcome, len(p.judges))
	for range p.judges {
		r := <-results
		outcomes[r.judgeID] = r.out
	}
	return outcomes
}

// pickWinner returns the agent with the highest total weight and the
// margin over the runner-up. Ties break by average confidence, then by
// lexicographically smallest agent id.
func pickWinner(votes, confSum map[string]float64, nominations map[string]int) (string, float64) {
	winner := ""
	var best, second float64
	for agentID, weight := range votes {
		switch {
		case winner == "" || weight > best:
			if winner != "" {
				second = best
			}
			winner, best = agentID, weight
		case weight == best && beatsOnTie(agentID, winner, confSum, nominations):
			winner = agentID
			second = weight
		case weight > second:
			second = weight
		}
	}
	return winner, best - second
}

func beatsOnTie(candidate, incumbent string, confSum map[string]float64, nominations map[string]int) bool {
	candidateAvg := confSum[candidate] / float64(nominations[candidate])
	incumbentAvg := confSum[incumbent] / float64(nominations[incumbent])
	if candidateAvg != incumbentAvg {
		return candidateAvg > incumbentAvg
	}
	return candidate < incumbent
}

func overallConfidence(avg float64) string {
	switch {
	case avg >= 2.5:
		return ConfidenceHigh
	case avg >= 1.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// concernsFor flags a narrow margin or low agreement. Agreement is
// measured against the full panel, so failed seats count against it.
func concernsFor(margin float64, agreeing, totalJudges int) string {
	var concerns []string
	if margin <= 0.5 {
		concerns = append(concerns, "narrow margin of victory")
	}
	if float64(agreeing) < 0.75*float64(totalJudges) {
		concerns = append(concerns, "low judge agreement")
	}
	return strings.Join(concerns, "; ")
}

// reasoningFor prefers the words of the heaviest judge that backed the
// winner, falling back to a synthesized vote line.
func (p *Panel) reasoningFor(winner string, scores []JudgeScore, winnerWeight float64, agreeing int) string {
	best := ""
	bestWeight := -1.0
	for _, s := range scores {
		if s.Error == "" && s.Winner == winner && s.Reasoning != "" && s.Weight > bestWeight {
			best = s.Reasoning
			bestWeight = s.Weight
		}
	}
	if best != "" {
		return best
	}
	return fmt.Sprintf("%d of %d judges backed %s with %.1f total weight", agreeing, len(p.judges), winner, winnerWeight)
}

// publish emits the dashboard decision event and records the metric.
func (p *Panel) publish(ctx context.Context, decision *Decision) {
	observability.RecordJudgeDecision(decision.Confidence)
	p.logger.Info("panel_decision",
		"batchId", decision.BatchID,
		"winner", decision.Winner,
		"confidence", decision.Confidence,
		"concerns", decision.Concerns)
	if p.bus == nil {
		return
	}
	perJudge := make([]map[string]any, 0, len(decision.PerJudgeScores))
	for _, s := range decision.PerJudgeScores {
		perJudge = append(perJudge, s.toMap())
	}
	payload := map[string]any{
		"batchId":        decision.BatchID,
		"reasoning":      decision.Reasoning,
		"confidence":     decision.Confidence,
		"perJudgeScores": perJudge,
	}
	if decision.Winner != "" {
		payload["winner"] = decision.Winner
	} else {
		payload["winner"] = nil
	}
	if decision.Concerns != "" {
		payload["concerns"] = decision.Concerns
	}
	if err := p.bus.Emit(ctx, eventbus.EventJudgeDecision, payload); err != nil {
		p.logger.Warning("panel_decision_emit_failed", "batchId", decision.BatchID, "error", err)
	}
}
