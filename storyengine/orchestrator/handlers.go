package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/dag"
	"github.com/agent-adventures/adventure-core/storyengine/mcp"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// Default round-trip timeouts per handler family. A stage budget, when
// set, wins over these.
const (
	DefaultLLMTimeout   = 10 * time.Second
	DefaultAudioTimeout = 12 * time.Second
	DefaultMCPTimeout   = 15 * time.Second
	DefaultSleep        = time.Second
)

// HandlerDeps carries everything the default type handlers need.
type HandlerDeps struct {
	Bus    eventbus.Bus
	Logger eventbus.Logger

	// Scene-reset targets. Nil disables the system:scene-reset handler's
	// corresponding call.
	Builder  *mcp.WorldBuilder
	Surveyor *mcp.WorldSurveyor

	// Roster maps an agent type to the competing agent ids.
	Roster func(agentType string) []string

	// Competition timing. The handler awaits the completion event for
	// ProposalTimeout + ExecutionTimeout.
	ProposalTimeout  time.Duration
	ExecutionTimeout time.Duration
	// CompletionEvent defaults to competition:completed.
	CompletionEvent string
}

// RegisterDefaults installs the default type handler set on a manager:
// llm, audio, the five mcp:<service> types, competition,
// system:scene-reset, system:sleep, system:notify, log and noop.
func RegisterDefaults(m *Manager, deps HandlerDeps) {
	if deps.Logger == nil {
		deps.Logger = eventbus.NopLogger{}
	}
	if deps.CompletionEvent == "" {
		deps.CompletionEvent = eventbus.EventCompetitionCompleted
	}
	if deps.ProposalTimeout <= 0 {
		deps.ProposalTimeout = proposals.DefaultBatchWindow
	}
	if deps.ExecutionTimeout <= 0 {
		deps.ExecutionTimeout = time.Minute
	}

	m.RegisterTypeHandler("llm", RequestHandler(deps.Bus, eventbus.EventLLMRequest, eventbus.EventLLMResult, DefaultLLMTimeout))
	m.RegisterTypeHandler("audio", RequestHandler(deps.Bus, eventbus.EventAudioRequest, eventbus.EventAudioResult, DefaultAudioTimeout))
	for _, service := range []string{
		mcp.ServiceWorldBuilder,
		mcp.ServiceWorldViewer,
		mcp.ServiceWorldSurveyor,
		mcp.ServiceWorldStreamer,
		mcp.ServiceWorldRecorder,
	} {
		m.RegisterTypeHandler("mcp:"+service, MCPHandler(deps.Bus, service))
	}
	m.RegisterTypeHandler("competition", CompetitionHandler(deps))
	m.RegisterTypeHandler("system:scene-reset", SceneResetHandler(deps.Builder, deps.Surveyor))
	m.RegisterTypeHandler("system:sleep", SleepHandler())
	m.RegisterTypeHandler("system:notify", NotifyHandler(deps.Bus))
	m.RegisterTypeHandler("log", LogHandler(deps.Logger))
	m.RegisterTypeHandler("noop", NoopHandler())
}

// RequestHandler builds a bus round-trip handler: it emits requestType
// carrying the stage payload and awaits resultType for the same
// requestId. A result payload with an error field fails the stage.
func RequestHandler(bus eventbus.Bus, requestType, resultType string, defaultTimeout time.Duration) TypeHandlerFactory {
	return func(stage *dag.Stage) dag.StageHandler {
		timeout := stageTimeout(stage, defaultTimeout)
		return func(ctx context.Context, hc *dag.HandlerContext) (map[string]any, error) {
			payload := typeutil.DeepCopyMap(stage.Payload)
			if payload == nil {
				payload = map[string]any{}
			}
			if stage.Optional {
				payload["optional"] = true
			}
			request := map[string]any{
				"stageId":   stage.ID,
				"stageType": stage.Type,
				"payload":   payload,
				"budget":    map[string]any{"timeMs": stage.Budget.TimeMs},
				"timeoutMs": timeout.Milliseconds(),
			}
			result, err := bus.Request(ctx, requestType, request, resultType, timeout)
			if err != nil {
				return nil, err
			}
			if message := typeutil.SafeStringDefault(result["error"], ""); message != "" {
				return nil, fmt.Errorf("%s stage %s: %s", stage.Type, stage.ID, message)
			}
			return result, nil
		}
	}
}

// MCPHandler is the RequestHandler variant for one simulation service:
// the service name is injected into the payload so the responder can
// route the call.
func MCPHandler(bus eventbus.Bus, service string) TypeHandlerFactory {
	inner := RequestHandler(bus, eventbus.EventMCPRequest, eventbus.EventMCPResult, DefaultMCPTimeout)
	return func(stage *dag.Stage) dag.StageHandler {
		routed := *stage
		routed.Payload = typeutil.DeepCopyMap(stage.Payload)
		if routed.Payload == nil {
			routed.Payload = map[string]any{}
		}
		routed.Payload["mcpService"] = service
		return inner(&routed)
	}
}

// agentTypeFor maps a proposal type to the competing agent type.
// Unknown proposal types compete among scene agents.
func agentTypeFor(proposalType string) string {
	switch proposalType {
	case proposals.TypeAssetPlacement:
		return "scene"
	case proposals.TypeCameraMove, proposals.TypeCameraPlanning:
		return "camera"
	case proposals.TypeStoryAdvance:
		return "story"
	default:
		return "scene"
	}
}

// CompetitionHandler opens a proposal batch for the stage's proposal
// type and awaits the batch resolution. It emits both proposal:request
// (consumed by the batch manager) and competition:start (for
// observers), then waits for the configured completion event carrying
// the same batchId.
func CompetitionHandler(deps HandlerDeps) TypeHandlerFactory {
	return func(stage *dag.Stage) dag.StageHandler {
		return func(ctx context.Context, hc *dag.HandlerContext) (map[string]any, error) {
			proposalType := typeutil.SafeStringDefault(stage.Payload["proposalType"], proposals.TypeAssetPlacement)
			agentType := agentTypeFor(proposalType)

			expected := typeutil.SafeStringSliceDefault(stage.Payload["expectedAgents"], nil)
			if len(expected) == 0 && deps.Roster != nil {
				expected = deps.Roster(agentType)
			}
			if len(expected) == 0 {
				return nil, fmt.Errorf("competition stage %s has no agents for type %s", stage.ID, agentType)
			}

			batchID := "batch_" + uuid.New().String()[:16]
			timeout := deps.ProposalTimeout + deps.ExecutionTimeout

			resolved := make(chan map[string]any, 1)
			cancel := deps.Bus.Subscribe(deps.CompletionEvent, func(_ context.Context, event *eventbus.Event) error {
				select {
				case resolved <- event.PayloadMap():
				default:
				}
				return nil
			}, eventbus.WithFilter(func(event *eventbus.Event) bool {
				return typeutil.SafeStringDefault(event.PayloadMap()["batchId"], "") == batchID
			}))
			defer cancel()

			batchContext, _ := typeutil.SafeMapStringAny(stage.Payload["context"])
			hc.Emit(eventbus.EventProposalRequest, map[string]any{
				"batchId":        batchID,
				"proposalType":   proposalType,
				"context":        batchContext,
				"deadline":       deps.ProposalTimeout.Milliseconds(),
				"expectedAgents": expected,
			})
			hc.Emit(eventbus.EventCompetitionStart, map[string]any{
				"batchId":      batchID,
				"proposalType": proposalType,
				"agentType":    agentType,
				"stageId":      stage.ID,
			})

			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case resolution := <-resolved:
				if typeutil.SafeStringDefault(resolution["status"], "") == proposals.StatusFailed {
					return nil, fmt.Errorf("competition batch %s received no proposals", batchID)
				}
				return resolution, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, eventbus.NewRequestTimeoutError(eventbus.EventProposalRequest, deps.CompletionEvent, timeout)
			}
		}
	}
}

// SceneResetHandler clears the scene and the surveyor's waypoints and
// groups. Every call runs even when an earlier one fails; the
// aggregated error fails the stage.
func SceneResetHandler(builder *mcp.WorldBuilder, surveyor *mcp.WorldSurveyor) TypeHandlerFactory {
	return func(stage *dag.Stage) dag.StageHandler {
		return func(ctx context.Context, hc *dag.HandlerContext) (map[string]any, error) {
			root := typeutil.SafeStringDefault(stage.Payload["root"], "/World")
			details := map[string]any{}
			var errs []error

			if builder != nil {
				if _, err := builder.ClearScene(ctx, root, true); err != nil {
					errs = append(errs, fmt.Errorf("clearScene: %w", err))
				} else {
					details["sceneCleared"] = root
				}
			}
			if surveyor != nil {
				if _, err := surveyor.ClearWaypoints(ctx, true); err != nil {
					errs = append(errs, fmt.Errorf("clearWaypoints: %w", err))
				} else {
					details["waypointsCleared"] = true
				}
				if _, err := surveyor.ClearGroups(ctx, true); err != nil {
					errs = append(errs, fmt.Errorf("clearGroups: %w", err))
				} else {
					details["groupsCleared"] = true
				}
			}

			if len(errs) > 0 {
				return nil, errors.Join(errs...)
			}
			return map[string]any{"cleared": true, "details": details}, nil
		}
	}
}

// SleepHandler waits for payload durationMs, falling back to the stage
// budget, then one second.
func SleepHandler() TypeHandlerFactory {
	return func(stage *dag.Stage) dag.StageHandler {
		duration := typeutil.SafeDurationMSDefault(stage.Payload["durationMs"], 0)
		if duration <= 0 && stage.Budget.TimeMs > 0 {
			duration = time.Duration(stage.Budget.TimeMs) * time.Millisecond
		}
		if duration <= 0 {
			duration = DefaultSleep
		}
		return func(ctx context.Context, hc *dag.HandlerContext) (map[string]any, error) {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"sleptMs": duration.Milliseconds()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// NotifyHandler emits a configurable event and resolves.
func NotifyHandler(bus eventbus.Bus) TypeHandlerFactory {
	return func(stage *dag.Stage) dag.StageHandler {
		eventType := typeutil.SafeStringDefault(stage.Payload["event"], "orchestrator:notify")
		payload, _ := typeutil.SafeMapStringAny(stage.Payload["payload"])
		return func(ctx context.Context, hc *dag.HandlerContext) (map[string]any, error) {
			notification := typeutil.DeepCopyMap(payload)
			if notification == nil {
				notification = map[string]any{}
			}
			notification["stageId"] = stage.ID
			if err := bus.Emit(ctx, eventType, notification); err != nil {
				return nil, err
			}
			return map[string]any{"notified": eventType}, nil
		}
	}
}

// LogHandler logs the stage payload and resolves.
func LogHandler(logger eventbus.Logger) TypeHandlerFactory {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return func(stage *dag.Stage) dag.StageHandler {
		return func(_ context.Context, _ *dag.HandlerContext) (map[string]any, error) {
			logger.Info("stage_log",
				"stage", stage.ID,
				"message", typeutil.SafeStringDefault(stage.Payload["message"], ""))
			return map[string]any{"logged": true}, nil
		}
	}
}

// NoopHandler resolves immediately.
func NoopHandler() TypeHandlerFactory {
	return func(*dag.Stage) dag.StageHandler {
		return func(context.Context, *dag.HandlerContext) (map[string]any, error) {
			return map[string]any{}, nil
		}
	}
}

// stageTimeout picks the stage budget when set, else the family
// default.
func stageTimeout(stage *dag.Stage, fallback time.Duration) time.Duration {
	if stage.Budget.TimeMs > 0 {
		return time.Duration(stage.Budget.TimeMs) * time.Millisecond
	}
	return fallback
}
