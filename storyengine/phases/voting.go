package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// votingPhase opens the audience window, mirrors the running tally
// into story state, and waits for the window to close.
type votingPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *votingPhase) Name() string { return PhaseVoting }

func (p *votingPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if len(c.Genres) == 0 {
		return "", fmt.Errorf("voting entered without a ballot")
	}

	done := make(chan map[string]any, 1)
	cancelDone := p.deps.Bus.Subscribe(eventbus.EventVotingDone, func(_ context.Context, event *eventbus.Event) error {
		select {
		case done <- event.PayloadMap():
		default:
		}
		return nil
	})
	defer cancelDone()

	// Mirror accepted votes into state so dashboards read a live tally.
	cancelBridge := p.deps.Bus.Subscribe(eventbus.EventVoteReceived, func(ctx context.Context, event *eventbus.Event) error {
		payload := event.PayloadMap()
		genreID := typeutil.SafeStringDefault(payload["genreId"], "")
		if genreID == "" {
			return nil
		}
		return p.deps.State.UpdateState(ctx, "voting.tally", map[string]any{
			genreID: payload["votes"],
		})
	})
	defer cancelBridge()

	if err := p.deps.Votes.StartVoting(ctx, c.Genres, p.deps.VotingWindow); err != nil {
		return "", fmt.Errorf("open voting window: %w", err)
	}

	// The collector's own timer resolves the window; the grace period
	// only guards against a lost completion event.
	grace := p.deps.VotingWindow + 5*time.Second
	var result map[string]any
	select {
	case result = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(grace):
		return "", fmt.Errorf("voting window did not resolve within %v", grace)
	}

	c.TotalVotes = typeutil.SafeIntDefault(result["totalVotes"], 0)
	winner, _ := typeutil.SafeMapStringAny(result["winner"])
	winnerID := typeutil.SafeStringDefault(winner["genreId"], "")
	for _, genre := range c.Genres {
		if genre.ID == winnerID {
			c.Genre = genre
			break
		}
	}
	if c.Genre.ID == "" {
		// An all-zero tally resolves to the first ballot entry.
		c.Genre = c.Genres[0]
	}

	if err := p.deps.State.UpdateState(ctx, "voting", map[string]any{
		"winner":     map[string]any{"id": c.Genre.ID, "name": c.Genre.Name},
		"totalVotes": c.TotalVotes,
	}); err != nil {
		return "", fmt.Errorf("persist voting winner: %w", err)
	}

	p.logger.Info("voting_resolved", "genre", c.Genre.Name, "totalVotes", c.TotalVotes)
	return PhaseAgentCompetition, nil
}
