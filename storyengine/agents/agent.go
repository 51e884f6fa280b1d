// Package agents provides the competition agents that turn challenges
// into proposals via LLM providers.
package agents

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
)

var tracer = otel.Tracer("adventure-core/agents")

// Agent kinds.
const (
	TypeScene  = "scene"
	TypeCamera = "camera"
	TypeStory  = "story"
	TypeAudio  = "audio"
	TypeJudge  = "judge"
)

// Health statuses.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusError    = "error"
)

// Challenge is the input to one proposal generation round.
type Challenge struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Genre   string         `json:"genre,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Health is an agent health snapshot.
type Health struct {
	Status    string `json:"status"`
	LastError string `json:"lastError,omitempty"`
	Proposals int    `json:"proposals"`
	Failures  int    `json:"failures"`
	Tokens    int    `json:"tokens"`
}

// Agent generates proposals for competition challenges.
type Agent interface {
	ID() string
	Type() string
	Provider() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error
	Health() Health
	// GenerateProposal produces a proposal for the challenge. Vendor
	// failures come back as a failed Proposal with a nil error; a
	// token cap breach is returned as an error.
	GenerateProposal(ctx context.Context, challenge *Challenge) (*proposals.Proposal, error)
}

// base carries the identity, lifecycle state and health counters every
// agent variant shares.
type base struct {
	id        string
	agentType string
	logger    eventbus.Logger

	mu        sync.Mutex
	status    string
	lastError string
	proposals int
	failures  int
	tokens    int
	started   time.Time
}

func newBase(id, agentType string, logger eventbus.Logger) base {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return base{
		id:        id,
		agentType: agentType,
		logger:    logger.Bind("agent", id),
		status:    StatusInactive,
	}
}

func (b *base) ID() string   { return b.id }
func (b *base) Type() string { return b.agentType }

func (b *base) Initialize(_ context.Context) error {
	return nil
}

func (b *base) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusActive
	b.started = time.Now()
	return nil
}

func (b *base) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusInactive
	return nil
}

func (b *base) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		Status:    b.status,
		LastError: b.lastError,
		Proposals: b.proposals,
		Failures:  b.failures,
		Tokens:    b.tokens,
	}
}

// markSuccess records a successful generation and clears a previous
// error state.
func (b *base) markSuccess(tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposals++
	b.tokens += tokens
	if b.status == StatusError {
		b.status = StatusActive
	}
	b.lastError = ""
}

func (b *base) markFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.status = StatusError
	b.lastError = err.Error()
}
