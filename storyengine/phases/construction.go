package phases

import (
	"context"
	"fmt"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

const sceneRoot = "/World"

// constructionPhase clears the stage and builds the winning layout
// batch by batch. A failed batch is logged and skipped; the scene is
// built from whatever lands.
type constructionPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *constructionPhase) Name() string { return PhaseSceneConstruction }

func (p *constructionPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if c.Winner == nil || c.Winner.Asset == nil {
		return "", fmt.Errorf("scene construction entered without a winning layout")
	}

	if _, err := p.deps.Builder.ClearScene(ctx, sceneRoot, true); err != nil {
		// A dirty stage is survivable; the batches still go up.
		p.logger.Warning("scene_clear_failed", "error", err)
	}

	batches, _ := typeutil.SafeMapSlice(c.Winner.Asset.Data["batches"])
	created, failed := 0, 0
	for i, batch := range batches {
		name := typeutil.SafeStringDefault(batch["name"], fmt.Sprintf("batch_%d", i))
		elements, _ := typeutil.SafeMapSlice(batch["elements"])
		parentPath := typeutil.SafeStringDefault(batch["parentPath"], sceneRoot+"/adventure")

		if _, err := p.deps.Builder.CreateBatch(ctx, name, elements, parentPath); err != nil {
			failed++
			p.logger.Warning("batch_construction_failed", "batch", name, "error", err)
			continue
		}
		created++
		p.logger.Debug("batch_constructed", "batch", name, "elements", len(elements))
	}

	p.logger.Info("construction_completed",
		"winner", c.Winner.AgentID,
		"batches", len(batches),
		"created", created,
		"failed", failed)
	if err := p.deps.Bus.Emit(ctx, eventbus.EventLoopConstructionCompleted, map[string]any{
		"winner":  c.Winner.AgentID,
		"batches": len(batches),
		"created": created,
		"failed":  failed,
	}); err != nil {
		p.logger.Warning("construction_event_delivery_failed", "error", err)
	}
	return PhasePresentation, nil
}
