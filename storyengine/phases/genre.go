package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
	"github.com/agent-adventures/adventure-core/storyengine/voting"
)

// GenreSource produces the ballot for one genre-selection round.
type GenreSource interface {
	Genres(ctx context.Context) ([]voting.Genre, error)
}

// GenreSourceFunc adapts a function to a GenreSource.
type GenreSourceFunc func(ctx context.Context) ([]voting.Genre, error)

// Genres implements GenreSource.
func (f GenreSourceFunc) Genres(ctx context.Context) ([]voting.Genre, error) { return f(ctx) }

// StaticGenres is the stock five-genre ballot used in mock mode and as
// the fallback when no LLM source is wired.
func StaticGenres() GenreSource {
	return GenreSourceFunc(func(context.Context) ([]voting.Genre, error) {
		return []voting.Genre{
			{ID: "1", Name: "Cyberpunk Noir"},
			{ID: "2", Name: "Medieval Fantasy"},
			{ID: "3", Name: "Space Opera"},
			{ID: "4", Name: "Steampunk Adventure"},
			{ID: "5", Name: "Post-Apocalyptic"},
		}, nil
	})
}

// LLMGenres asks the LLM responder for five fresh genres over the bus.
// A malformed reply falls back to the static ballot so the loop keeps
// turning.
func LLMGenres(bus eventbus.Bus, timeout time.Duration) GenreSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return GenreSourceFunc(func(ctx context.Context) ([]voting.Genre, error) {
		result, err := bus.Request(ctx, eventbus.EventLLMRequest, map[string]any{
			"payload": map[string]any{
				"prompt": "Propose five distinct genres for a short 3D adventure scene. " +
					`Answer as JSON: {"genres": ["...", "...", "...", "...", "..."]}`,
			},
			"timeoutMs": timeout.Milliseconds(),
		}, eventbus.EventLLMResult, timeout)
		if err != nil {
			return nil, err
		}
		if message := typeutil.SafeStringDefault(result["error"], ""); message != "" {
			return nil, fmt.Errorf("genre generation failed: %s", message)
		}

		parsed, ok := typeutil.SafeMapStringAny(result["json"])
		if !ok {
			return StaticGenres().Genres(ctx)
		}
		names, ok := typeutil.SafeStringSlice(parsed["genres"])
		if !ok || len(names) == 0 {
			return StaticGenres().Genres(ctx)
		}
		genres := make([]voting.Genre, 0, len(names))
		for i, name := range names {
			genres = append(genres, voting.Genre{ID: fmt.Sprintf("%d", i+1), Name: name})
		}
		return genres, nil
	})
}

// genreSelectionPhase opens every iteration: it produces the ballot,
// persists it and announces loop:genres_ready.
type genreSelectionPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *genreSelectionPhase) Name() string { return PhaseGenreSelection }

func (p *genreSelectionPhase) Enter(ctx context.Context, c *Context) (string, error) {
	genres, err := p.deps.Genres.Genres(ctx)
	if err != nil {
		return "", fmt.Errorf("genre selection: %w", err)
	}
	if len(genres) == 0 {
		return "", fmt.Errorf("genre selection produced an empty ballot")
	}
	c.Genres = genres

	ballot := make([]any, 0, len(genres))
	for _, genre := range genres {
		ballot = append(ballot, map[string]any{"id": genre.ID, "name": genre.Name})
	}
	if err := p.deps.State.SetPath(ctx, "voting.genres", ballot); err != nil {
		return "", fmt.Errorf("persist ballot: %w", err)
	}

	p.logger.Info("genres_ready", "count", len(genres))
	if err := p.deps.Bus.Emit(ctx, eventbus.EventLoopGenresReady, map[string]any{
		"genres":    ballot,
		"iteration": c.Iteration,
	}); err != nil {
		p.logger.Warning("genres_ready_delivery_failed", "error", err)
	}
	return PhaseVoting, nil
}
