package proposals

import (
	"context"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// DefaultBatchWindow bounds batches whose request carries no deadline.
const DefaultBatchWindow = 30 * time.Second

// Manager collects proposals into batches. It serves the bus protocol
// (proposal:request / proposal:submit / proposal:cancel) and exposes
// the same operations as a direct API for in-process callers.
//
// A batch resolves when every expected agent has submitted or its
// deadline fires, whichever comes first. Resolution emits a single
// completion event; the event name is configurable because dashboard
// deployments listen on competition_voting instead of
// competition:completed. Never both.
type Manager struct {
	bus             eventbus.Bus
	logger          eventbus.Logger
	completionEvent string

	mu           sync.Mutex
	batches      map[string]*batchState
	unsubscribes []func()
}

type batchState struct {
	batch     *Batch
	timer     *time.Timer
	submitted map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCompletionEvent overrides the resolution event name.
func WithCompletionEvent(eventType string) ManagerOption {
	return func(m *Manager) {
		if eventType != "" {
			m.completionEvent = eventType
		}
	}
}

// NewManager creates a batch manager.
func NewManager(bus eventbus.Bus, logger eventbus.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	m := &Manager{
		bus:             bus,
		logger:          logger.Bind("component", "proposals"),
		completionEvent: eventbus.EventCompetitionCompleted,
		batches:         make(map[string]*batchState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the batch protocol events.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unsubscribes) > 0 {
		return
	}
	m.unsubscribes = append(m.unsubscribes,
		m.bus.Subscribe(eventbus.EventProposalRequest, m.handleRequest),
		m.bus.Subscribe(eventbus.EventProposalSubmit, m.handleSubmit),
		m.bus.Subscribe(eventbus.EventProposalCancel, m.handleCancel),
	)
}

// Stop unsubscribes and stops all pending deadline timers. Open
// batches are left unresolved.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, unsubscribe := range m.unsubscribes {
		unsubscribe()
	}
	m.unsubscribes = nil
	for _, st := range m.batches {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

// OpenBatch opens a collection round. A non-positive window falls back
// to the default.
func (m *Manager) OpenBatch(ctx context.Context, batchID, proposalType string, batchContext map[string]any, window time.Duration, expectedAgents []string) (*Batch, error) {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	now := time.Now()
	batch := &Batch{
		BatchID:        batchID,
		ProposalType:   proposalType,
		Context:        typeutil.DeepCopyMap(batchContext),
		Deadline:       now.Add(window),
		ExpectedAgents: typeutil.CopyStringSlice(expectedAgents),
		Proposals:      make([]*Proposal, 0, len(expectedAgents)),
		Status:         StatusOpen,
		OpenedAt:       now,
	}

	m.mu.Lock()
	if existing, ok := m.batches[batchID]; ok && existing.batch.Status == StatusOpen {
		m.mu.Unlock()
		return nil, NewBatchClosedError(batchID, StatusOpen)
	}
	st := &batchState{batch: batch, submitted: make(map[string]bool)}
	st.timer = time.AfterFunc(window, func() { m.expire(ctx, batchID) })
	m.batches[batchID] = st
	m.mu.Unlock()

	m.logger.Info("batch_opened",
		"batchId", batchID,
		"proposalType", proposalType,
		"expectedAgents", len(expectedAgents),
		"windowMs", window.Milliseconds())
	return m.batchCopy(batch), nil
}

// Submit validates and records one proposal. The third submission
// rules in order: the batch must exist, it must still be open, the
// agent must be on the roster and must not have submitted before.
func (m *Manager) Submit(ctx context.Context, batchID, agentID string, proposal *Proposal) error {
	m.mu.Lock()
	st, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		observability.RecordProposal(proposal.ProposalType, "rejected")
		return NewUnknownBatchError(batchID)
	}
	batch := st.batch
	if batch.Status != StatusOpen {
		m.mu.Unlock()
		observability.RecordProposal(batch.ProposalType, "rejected")
		return NewBatchClosedError(batchID, batch.Status)
	}
	if !expectsAgent(batch.ExpectedAgents, agentID) {
		m.mu.Unlock()
		observability.RecordProposal(batch.ProposalType, "rejected")
		return NewUnexpectedAgentError(batchID, agentID)
	}
	if st.submitted[agentID] {
		m.mu.Unlock()
		observability.RecordProposal(batch.ProposalType, "rejected")
		return NewDuplicateProposalError(batchID, agentID)
	}

	accepted := *proposal
	accepted.BatchID = batchID
	accepted.AgentID = agentID
	if accepted.ProposalType == "" {
		accepted.ProposalType = batch.ProposalType
	}
	if accepted.Timestamp.IsZero() {
		accepted.Timestamp = time.Now()
	}
	st.submitted[agentID] = true
	batch.Proposals = append(batch.Proposals, &accepted)

	complete := len(batch.Proposals) == len(batch.ExpectedAgents)
	var resolution map[string]any
	if complete {
		resolution = m.resolveLocked(st, StatusComplete)
	}
	m.mu.Unlock()

	observability.RecordProposal(accepted.ProposalType, "accepted")
	m.emit(ctx, eventbus.EventAgentProposal, map[string]any{
		"batchId":      batchID,
		"agentId":      agentID,
		"proposalType": accepted.ProposalType,
		"summary":      accepted.Summary,
		"failed":       accepted.Failed(),
	})
	if resolution != nil {
		m.emitResolution(ctx, resolution)
	}
	return nil
}

// Cancel closes a batch without resolution. Canceling an unknown or
// already-closed batch is a no-op.
func (m *Manager) Cancel(ctx context.Context, batchID string) {
	m.mu.Lock()
	st, ok := m.batches[batchID]
	if !ok || st.batch.Status != StatusOpen {
		m.mu.Unlock()
		return
	}
	st.batch.Status = StatusCanceled
	if st.timer != nil {
		st.timer.Stop()
	}
	m.mu.Unlock()
	m.logger.Info("batch_canceled", "batchId", batchID)
}

// Batch returns a snapshot of the batch record.
func (m *Manager) Batch(batchID string) (*Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.batches[batchID]
	if !ok {
		return nil, false
	}
	return m.batchCopy(st.batch), true
}

// CompletionEvent returns the configured resolution event name.
func (m *Manager) CompletionEvent() string {
	return m.completionEvent
}

// ===== BUS PROTOCOL =====

func (m *Manager) handleRequest(ctx context.Context, event *eventbus.Event) error {
	payload := event.PayloadMap()
	batchID := typeutil.SafeStringDefault(payload["batchId"], "")
	proposalType := typeutil.SafeStringDefault(payload["proposalType"], "")
	if batchID == "" || proposalType == "" {
		m.logger.Warning("batch_request_invalid", "payload", payload)
		return nil
	}
	batchContext, _ := typeutil.SafeMapStringAny(payload["context"])
	window, _ := typeutil.SafeDurationMS(payload["deadline"])
	expected, _ := typeutil.SafeStringSlice(payload["expectedAgents"])

	if _, err := m.OpenBatch(ctx, batchID, proposalType, batchContext, window, expected); err != nil {
		m.logger.Warning("batch_open_failed", "batchId", batchID, "error", err)
	}
	return nil
}

func (m *Manager) handleSubmit(ctx context.Context, event *eventbus.Event) error {
	payload := event.PayloadMap()
	batchID := typeutil.SafeStringDefault(payload["batchId"], "")
	agentID := typeutil.SafeStringDefault(payload["agentId"], "")
	proposalMap, _ := typeutil.SafeMapStringAny(payload["proposal"])
	proposal := FromMap(proposalMap)

	if err := m.Submit(ctx, batchID, agentID, proposal); err != nil {
		m.emit(ctx, eventbus.EventProposalRejected, map[string]any{
			"batchId": batchID,
			"agentId": agentID,
			"reason":  err.Error(),
		})
	}
	return nil
}

func (m *Manager) handleCancel(ctx context.Context, event *eventbus.Event) error {
	payload := event.PayloadMap()
	m.Cancel(ctx, typeutil.SafeStringDefault(payload["batchId"], ""))
	return nil
}

// ===== RESOLUTION =====

func (m *Manager) expire(ctx context.Context, batchID string) {
	m.mu.Lock()
	st, ok := m.batches[batchID]
	if !ok || st.batch.Status != StatusOpen {
		m.mu.Unlock()
		return
	}
	status := StatusTimedOut
	if len(st.batch.Proposals) == 0 {
		status = StatusFailed
	}
	resolution := m.resolveLocked(st, status)
	m.mu.Unlock()

	m.emitResolution(ctx, resolution)
}

// resolveLocked finalizes the batch and builds the resolution payload.
// Callers hold m.mu and emit after unlocking; handlers of the
// completion event may re-enter the manager.
func (m *Manager) resolveLocked(st *batchState, status string) map[string]any {
	batch := st.batch
	batch.Status = status
	if st.timer != nil {
		st.timer.Stop()
	}

	proposalMaps := make([]map[string]any, 0, len(batch.Proposals))
	for _, p := range batch.Proposals {
		proposalMaps = append(proposalMaps, p.ToMap())
	}
	resolution := map[string]any{
		"batchId":      batch.BatchID,
		"proposalType": batch.ProposalType,
		"proposals":    proposalMaps,
		"received":     len(batch.Proposals),
		"missing":      batch.Missing(),
		"status":       status,
	}
	if status == StatusFailed {
		resolution["winner"] = nil
	}
	return resolution
}

func (m *Manager) emitResolution(ctx context.Context, resolution map[string]any) {
	m.logger.Info("batch_resolved",
		"batchId", resolution["batchId"],
		"status", resolution["status"],
		"received", resolution["received"])
	m.emit(ctx, m.completionEvent, resolution)
}

func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := m.bus.Emit(ctx, eventType, payload); err != nil {
		m.logger.Warning("batch_event_delivery_failed", "eventType", eventType, "error", err)
	}
}

func (m *Manager) batchCopy(batch *Batch) *Batch {
	copied := *batch
	copied.Context = typeutil.DeepCopyMap(batch.Context)
	copied.ExpectedAgents = typeutil.CopyStringSlice(batch.ExpectedAgents)
	copied.Proposals = make([]*Proposal, len(batch.Proposals))
	for i, p := range batch.Proposals {
		proposal := *p
		proposal.Data = typeutil.DeepCopyMap(p.Data)
		proposal.Spatial = typeutil.DeepCopyMap(p.Spatial)
		copied.Proposals[i] = &proposal
	}
	return &copied
}

func expectsAgent(roster []string, agentID string) bool {
	for _, id := range roster {
		if id == agentID {
			return true
		}
	}
	return false
}
