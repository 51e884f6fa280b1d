package phases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/audio"
	"github.com/agent-adventures/adventure-core/storyengine/config"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// presentationPhase plays the winning proposal: it assembles the audio
// payload for the configured mode, registers a sync group across the
// active channels, dispatches it to the audio responder, runs the
// camera shots in order, and dwells long enough for the show to land.
type presentationPhase struct {
	deps   *Deps
	logger eventbus.Logger
}

func (p *presentationPhase) Name() string { return PhasePresentation }

func (p *presentationPhase) Enter(ctx context.Context, c *Context) (string, error) {
	if c.Winner == nil {
		return "", fmt.Errorf("presentation entered without a winner")
	}

	mode := config.AudioModeStory
	if p.deps.Settings != nil {
		mode = p.deps.Settings.AudioMode()
	}

	channels := p.audioChannels(c, mode)
	p.dispatchAudio(ctx, channels)

	shotDuration := p.runShots(ctx, c)

	wait := shotDuration + p.deps.PresentationBuffer
	if p.deps.PresentationDuration > wait {
		wait = p.deps.PresentationDuration
	}
	if wait < minPresentationWait {
		wait = minPresentationWait
	}
	p.logger.Info("presentation_dwell", "waitMs", wait.Milliseconds(), "mode", mode)
	if err := sleep(ctx, wait); err != nil {
		return "", err
	}
	return PhaseCleanup, nil
}

// audioChannels builds the per-channel updates for the configured
// mode: story plays the winner's narration track, commentary replaces
// it with judge-derived commentary, mixed carries both.
func (p *presentationPhase) audioChannels(c *Context, mode string) map[string]any {
	channels := map[string]any{}

	var data map[string]any
	if c.Winner.Audio != nil {
		data = c.Winner.Audio.Data
	}

	withNarration := mode == config.AudioModeStory || mode == config.AudioModeMixed
	withCommentary := mode == config.AudioModeCommentary || mode == config.AudioModeMixed

	if withNarration && data != nil {
		if nested, ok := typeutil.SafeMapStringAny(data["channels"]); ok {
			for _, channel := range []string{audio.ChannelNarration, audio.ChannelMusic, audio.ChannelAmbient} {
				if update, ok := nested[channel]; ok {
					channels[channel] = update
				}
			}
		} else if script := typeutil.SafeStringDefault(data["script"], ""); script != "" {
			channels[audio.ChannelNarration] = map[string]any{"text": script}
		}
	}
	if withCommentary {
		channels[audio.ChannelCommentary] = map[string]any{"text": p.commentary(c)}
	}
	return channels
}

// commentary narrates the decision for commentary and mixed modes:
// the judges' reasoning followed by the batch descriptions.
func (p *presentationPhase) commentary(c *Context) string {
	var parts []string
	if c.Decision != nil && c.Decision.Reasoning != "" {
		parts = append(parts, c.Decision.Reasoning)
	}
	if c.Winner.Asset != nil {
		batches, _ := typeutil.SafeMapSlice(c.Winner.Asset.Data["batches"])
		for _, batch := range batches {
			if description := typeutil.SafeStringDefault(batch["description"], ""); description != "" {
				parts = append(parts, description)
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%s takes the %s round.", c.Winner.AgentID, c.Genre.Name))
	}
	return strings.Join(parts, " ")
}

// dispatchAudio sends the channel updates plus a sync group through
// the audio responder. The request is optional: an offline audio
// service downgrades to warnings and the show goes on.
func (p *presentationPhase) dispatchAudio(ctx context.Context, channels map[string]any) {
	if len(channels) == 0 {
		return
	}
	active := make([]string, 0, len(channels))
	for _, channel := range audio.Channels {
		if _, ok := channels[channel]; ok {
			active = append(active, channel)
		}
	}

	timeout := 12 * time.Second
	result, err := p.deps.Bus.Request(ctx, eventbus.EventAudioRequest, map[string]any{
		"payload": map[string]any{
			"channels": channels,
			"sync": map[string]any{
				"syncId":   "presentation_" + uuid.New().String()[:8],
				"channels": active,
			},
			"optional": true,
		},
		"timeoutMs": timeout.Milliseconds(),
	}, eventbus.EventAudioResult, timeout)
	if err != nil {
		p.logger.Warning("audio_dispatch_failed", "error", err)
		return
	}

	status := typeutil.SafeStringDefault(result["status"], "")
	if warnings, ok := typeutil.SafeSlice(result["warnings"]); ok && len(warnings) > 0 {
		p.logger.Warning("audio_dispatch_degraded", "status", status, "warnings", warnings)
		return
	}
	p.logger.Info("audio_dispatched", "status", status, "channels", len(active))
}

// runShots executes the winner's camera plan sequentially and returns
// the summed shot duration. Unknown shot types and per-shot failures
// are logged and skipped.
func (p *presentationPhase) runShots(ctx context.Context, c *Context) time.Duration {
	if c.Winner.Camera == nil {
		return 0
	}
	shots, _ := typeutil.SafeMapSlice(c.Winner.Camera.Data["shots"])

	var total time.Duration
	for i, shot := range shots {
		shotType := typeutil.SafeStringDefault(shot["type"],
			typeutil.SafeStringDefault(shot["shotType"], ""))
		params := typeutil.DeepCopyMap(shot)
		delete(params, "type")
		delete(params, "shotType")

		var err error
		switch shotType {
		case "smoothMove":
			_, err = p.deps.Viewer.SmoothMove(ctx, params)
		case "arcShot":
			_, err = p.deps.Viewer.ArcShot(ctx, params)
		case "orbitShot":
			_, err = p.deps.Viewer.OrbitShot(ctx, params)
		default:
			p.logger.Warning("unknown_shot_type", "index", i, "type", shotType)
			continue
		}
		if err != nil {
			p.logger.Warning("camera_shot_failed", "index", i, "type", shotType, "error", err)
			continue
		}
		total += typeutil.SafeDurationMSDefault(shot["durationMs"], 0)
	}
	return total
}
