// Package eventbus event definitions.
//
// This module defines the canonical event catalog for the adventure
// platform. Event names use `:`-separated segments; subscribers may match
// them with glob patterns (`orchestrator:stage:*`, `proposal:**`).
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT TYPE CATALOG
// =============================================================================

// Bus internals.
const (
	// EventHandlerError is emitted when a subscriber fails or panics.
	// Payload: {eventType, error, subscriptionId}.
	EventHandlerError = "bus:handler_error"
)

// Story state.
const (
	// EventStateChanged is emitted after every committed state mutation.
	// Payload: {path, oldValue, newValue, version}.
	EventStateChanged = "state:changed"
)

// Proposal protocol.
const (
	EventProposalRequest  = "proposal:request"
	EventProposalSubmit   = "proposal:submit"
	EventProposalRejected = "proposal:rejected"
	EventProposalCancel   = "proposal:cancel"

	EventCompetitionStart = "competition:start"
	// EventCompetitionCompleted is the default batch completion event.
	// Deployments may configure EventCompetitionVoting instead; never both.
	EventCompetitionCompleted = "competition:completed"
	EventCompetitionVoting    = "competition_voting"
)

// Audience voting.
const (
	EventVoteCast      = "vote:cast"
	EventVoteReceived  = "vote:received"
	EventVoteRejected  = "vote:rejected"
	EventVotingStarted = "voting:started"
	EventVotingDone    = "voting:complete"
)

// DAG runner lifecycle.
const (
	EventStageScheduled = "orchestrator:stage:scheduled"
	EventStageStart     = "orchestrator:stage:start"
	EventStageRetry     = "orchestrator:stage:retry"
	EventStageComplete  = "orchestrator:stage:complete"
	EventStageFailed    = "orchestrator:stage:failed"

	EventOrchestratorComplete = "orchestrator:complete"
	EventOrchestratorFailed   = "orchestrator:failed"
)

// Responder request/result pairs (bus-mediated RPC).
const (
	EventLLMRequest   = "orchestrator:llm:request"
	EventLLMResult    = "orchestrator:llm:result"
	EventAudioRequest = "orchestrator:audio:request"
	EventAudioResult  = "orchestrator:audio:result"
	EventMCPRequest   = "orchestrator:mcp:request"
	EventMCPResult    = "orchestrator:mcp:result"
)

// Story loop.
const (
	EventLoopPhaseFailed           = "loop:phase_failed"
	EventLoopGenresReady           = "loop:genres_ready"
	EventLoopConstructionCompleted = "loop:construction_completed"
	EventLoopIterationCompleted    = "loop:iteration_completed"
)

// Platform surface. These are dashboard-facing; the bus retains history for
// them so late subscribers can catch up via GetRecent.
const (
	EventPlatformStarted    = "platform_started"
	EventPlatformStatus     = "platform_status"
	EventMetricsUpdate      = "metrics_update"
	EventActivityLog        = "activity_log"
	EventSettingsUpdated    = "settings_updated"
	EventStreamStatus       = "stream_status"
	EventSystemHealth       = "system_health"
	EventAgentProposal      = "agent_proposal"
	EventJudgeDecision      = "judge_decision"
	EventCompetitionStarted = "competition_started"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is a single bus message. Events are immutable after emission;
// handlers must not mutate the payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType string, payload any) *Event {
	return &Event{
		ID:        newEventID(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrom creates an event attributed to a source component.
func NewEventFrom(source, eventType string, payload any) *Event {
	evt := NewEvent(eventType, payload)
	evt.Source = source
	return evt
}

// PayloadMap returns the payload as a map when it is one, else an empty map.
// Handlers use this for the common map-shaped payloads.
func (e *Event) PayloadMap() map[string]any {
	if m, ok := e.Payload.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// newEventID generates a short unique event id.
func newEventID() string {
	return "evt_" + uuid.New().String()[:16]
}
