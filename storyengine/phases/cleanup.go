package phases

import (
	"context"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// cleanupPhase closes the iteration: a countdown dwell, a scene wipe,
// and a reset of the voting and competition state paths. It always
// hands back to genre selection.
type cleanupPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *cleanupPhase) Name() string { return PhaseCleanup }

func (p *cleanupPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if err := sleep(ctx, p.deps.CleanupCountdown); err != nil {
		return "", err
	}

	if p.deps.Builder != nil {
		if _, err := p.deps.Builder.ClearScene(ctx, sceneRoot, true); err != nil {
			p.logger.Warning("cleanup_scene_clear_failed", "error", err)
		}
	}

	if err := p.deps.State.SetPath(ctx, "voting", map[string]any{}); err != nil {
		return "", err
	}
	if err := p.deps.State.SetPath(ctx, "competition", map[string]any{}); err != nil {
		return "", err
	}

	p.logger.Info("cleanup_finished", "iteration", c.Iteration)
	return PhaseGenreSelection, nil
}
