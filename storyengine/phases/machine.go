// Package phases drives the story loop: a linear phase machine that
// selects a genre, runs the audience vote, stages the three-round
// agent competition, judges the proposals, builds the winning scene
// and presents it with synchronized audio and camera work.
package phases

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/agents"
	"github.com/agent-adventures/adventure-core/storyengine/config"
	"github.com/agent-adventures/adventure-core/storyengine/judging"
	"github.com/agent-adventures/adventure-core/storyengine/mcp"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/state"
	"github.com/agent-adventures/adventure-core/storyengine/voting"
)

// Phase names, in loop order.
const (
	PhaseGenreSelection    = "genre-selection"
	PhaseVoting            = "voting"
	PhaseAgentCompetition  = "agent-competition"
	PhaseJudging           = "judging"
	PhaseSceneConstruction = "scene-construction"
	PhasePresentation      = "presentation"
	PhaseCleanup           = "cleanup"
)

// Phase is one step of the story loop. Enter runs the phase to
// completion and names its successor.
type Phase interface {
	Name() string
	Enter(ctx context.Context, c *Context) (next string, err error)
}

// CompleteProposal joins one agent's three competition stages. Camera
// and Audio are nil when the agent dropped out after the asset round.
type CompleteProposal struct {
	AgentID string
	Asset   *proposals.Proposal
	Camera  *proposals.Proposal
	Audio   *proposals.Proposal
}

// Context accumulates one iteration's outcome as it moves through the
// phases. A fresh Context starts every iteration.
type Context struct {
	Iteration  int
	Genres     []voting.Genre
	Genre      voting.Genre
	TotalVotes int
	Proposals  []*CompleteProposal
	Decision   *judging.Decision
	Winner     *CompleteProposal
}

func (c *Context) proposalFor(agentID string) *CompleteProposal {
	for _, p := range c.Proposals {
		if p.AgentID == agentID {
			return p
		}
	}
	return nil
}

// Deps wires the story loop to the rest of the platform.
type Deps struct {
	Bus      eventbus.Bus
	State    *state.Store
	Logger   eventbus.Logger
	Settings *config.Settings

	Agents  []agents.Agent
	Batches *proposals.Manager
	Panel   *judging.Panel
	Votes   *voting.Collector

	Builder  *mcp.WorldBuilder
	Viewer   *mcp.WorldViewer
	Surveyor *mcp.WorldSurveyor

	// Genres produces the ballot for genre selection.
	Genres GenreSource

	VotingWindow         time.Duration
	ProposalWindow       time.Duration
	PresentationDuration time.Duration
	PresentationBuffer   time.Duration
	CleanupCountdown     time.Duration
}

// minPresentationWait floors the presentation dwell so a scene is
// never torn down mid-shot. Package-level so tests can shorten it.
var minPresentationWait = 5 * time.Second

// Machine runs the story loop. Transitions are serialized: exactly one
// phase is entered at a time, and Stop is cooperative — the current
// phase finishes before the loop exits.
type Machine struct {
	deps   *Deps
	logger eventbus.Logger
	phases map[string]Phase

	mu         sync.Mutex
	current    string
	stopped    bool
	iterations int
}

// NewMachine wires the seven phases. Defaults: static genre ballot,
// 30s voting, the batch manager's proposal window, 20s presentation,
// 5s cleanup countdown.
func NewMachine(deps Deps) *Machine {
	if deps.Logger == nil {
		deps.Logger = eventbus.NopLogger{}
	}
	if deps.Genres == nil {
		deps.Genres = StaticGenres()
	}
	if deps.VotingWindow <= 0 {
		deps.VotingWindow = 30 * time.Second
	}
	if deps.ProposalWindow <= 0 {
		deps.ProposalWindow = proposals.DefaultBatchWindow
	}
	if deps.PresentationDuration <= 0 {
		deps.PresentationDuration = 20 * time.Second
	}
	if deps.CleanupCountdown <= 0 {
		deps.CleanupCountdown = 5 * time.Second
	}

	m := &Machine{
		deps:   &deps,
		logger: deps.Logger.Bind("component", "storyloop"),
	}
	m.phases = map[string]Phase{
		PhaseGenreSelection:    &genreSelectionPhase{deps: &deps, logger: m.logger},
		PhaseVoting:            &votingPhase{deps: &deps, logger: m.logger},
		PhaseAgentCompetition:  &competitionPhase{deps: &deps, logger: m.logger},
		PhaseJudging:           &judgingPhase{deps: &deps, logger: m.logger},
		PhaseSceneConstruction: &constructionPhase{deps: &deps, logger: m.logger},
		PhasePresentation:      &presentationPhase{deps: &deps, logger: m.logger},
		PhaseCleanup:           &cleanupPhase{deps: &deps, logger: m.logger},
	}
	return m
}

// Current returns the phase being run, or "" between iterations.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Stop requests a cooperative stop. The current phase runs to
// completion; no further transition is taken.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *Machine) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Machine) setCurrent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = name
}

// Run loops iterations until Stop or context cancellation.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := m.RunIteration(ctx); err != nil {
			return err
		}
		if m.stopRequested() {
			return nil
		}
	}
}

// RunIteration drives one full pass: genre-selection through cleanup.
// A phase error emits loop:phase_failed and short-circuits to cleanup;
// a cleanup failure is logged and ends the iteration.
func (m *Machine) RunIteration(ctx context.Context) error {
	m.mu.Lock()
	iteration := m.iterations
	m.mu.Unlock()

	c := &Context{Iteration: iteration}
	next := PhaseGenreSelection

	for {
		if err := ctx.Err(); err != nil {
			m.setCurrent("")
			return err
		}
		if m.stopRequested() {
			m.setCurrent("")
			return nil
		}

		phase, ok := m.phases[next]
		if !ok {
			m.setCurrent("")
			return fmt.Errorf("story loop has no phase named %q", next)
		}
		m.setCurrent(next)
		m.logger.Info("phase_entered", "phase", next, "iteration", c.Iteration)

		after, err := phase.Enter(ctx, c)
		if err != nil {
			m.logger.Error("phase_failed", "phase", next, "error", err)
			m.emit(ctx, eventbus.EventLoopPhaseFailed, map[string]any{
				"phase": next,
				"error": err.Error(),
			})
			if next == PhaseCleanup {
				// Cleanup itself failed; end the iteration rather than
				// loop on it.
				break
			}
			next = PhaseCleanup
			continue
		}

		if next == PhaseCleanup {
			break
		}
		next = after
	}

	m.setCurrent("")
	m.mu.Lock()
	m.iterations++
	m.mu.Unlock()
	m.emit(ctx, eventbus.EventLoopIterationCompleted, map[string]any{
		"iteration": c.Iteration,
		"genre":     c.Genre.Name,
		"winner":    winnerID(c),
	})
	return nil
}

func (m *Machine) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := m.deps.Bus.Emit(ctx, eventType, payload); err != nil {
		m.logger.Warning("loop_event_delivery_failed", "eventType", eventType, "error", err)
	}
}

func winnerID(c *Context) string {
	if c.Winner == nil {
		return ""
	}
	return c.Winner.AgentID
}

// sleep waits for d or the context, whichever ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
