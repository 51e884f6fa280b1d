package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/state"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

var tracer = otel.Tracer("adventure-core/dag")

// Stage statuses.
const (
	StagePending   = "pending"
	StageScheduled = "scheduled"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
	StageBlocked   = "blocked"
)

// Run states.
const (
	RunIdle      = "idle"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// HandlerContext is the view a stage handler receives. Results holds
// deep-copied outputs of the stages that settled before this attempt;
// mutating it never reaches the runner or other handlers.
type HandlerContext struct {
	Stage          *Stage
	DAG            *Config
	State          *state.Store
	Results        map[string]map[string]any
	InitialContext map[string]any
	Emit           func(eventType string, payload map[string]any)
}

// StageHandler executes one stage attempt and returns the stage output.
type StageHandler func(ctx context.Context, hc *HandlerContext) (map[string]any, error)

// StageSnapshot is one stage's line in a status report.
type StageSnapshot struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// Status is a point-in-time view of a run.
type Status struct {
	AdventureID string                   `json:"adventureId"`
	State       string                   `json:"state"`
	Stages      map[string]StageSnapshot `json:"stages"`
}

// stageRecord is the runner's mutable per-stage bookkeeping.
type stageRecord struct {
	stage    *Stage
	status   string
	attempts int
	lastErr  error
	duration time.Duration
}

// outcome is what a stage goroutine reports back to the coordinator.
type outcome struct {
	stageID  string
	result   map[string]any
	err      error
	duration time.Duration
}

// Runner executes one adventure graph. Stages run on their own
// goroutines as soon as their dependencies settle; a coordinator
// goroutine owns all bookkeeping and event emission, so stage events
// observe dependency order.
//
// Every event is emitted twice: on the runner's own emitter (reachable
// via Events(), scoped to this run) and on the shared bus injected at
// construction.
//
// A Runner is single-shot: Start may run again only after Reset.
type Runner struct {
	cfg    *Config
	bus    eventbus.Bus
	events *eventbus.InMemoryBus
	store  *state.Store
	logger eventbus.Logger

	mu       sync.Mutex
	handlers map[string]StageHandler
	records  map[string]*stageRecord
	results  map[string]map[string]any
	runState string
}

// NewRunner creates a runner for a validated config. The store may be
// nil when handlers do not touch story state.
func NewRunner(cfg *Config, bus eventbus.Bus, store *state.Store, logger eventbus.Logger) *Runner {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Runner{
		cfg:      cfg,
		bus:      bus,
		events:   eventbus.NewInMemoryBus(0),
		store:    store,
		logger:   logger.Bind("component", "dag", "adventure", cfg.ID),
		handlers: make(map[string]StageHandler),
		runState: RunIdle,
	}
}

// RegisterStageHandler binds a handler to a stage id. The last
// registration for an id wins.
func (r *Runner) RegisterStageHandler(stageID string, handler StageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stageID] = handler
}

// Events returns the runner-local emitter. Subscribers see only this
// run's events, without cross-talk from other adventures on the shared
// bus.
func (r *Runner) Events() eventbus.Bus { return r.events }

// Config returns the adventure config the runner executes.
func (r *Runner) Config() *Config { return r.cfg }

// Start validates the graph and runs it to a terminal state. It blocks
// until the run completes, fails, or the context is cancelled, and
// returns a deep copy of the per-stage results.
//
// Validation failures (cycle, dangling dependency, missing handler)
// are reported before any stage event is emitted.
func (r *Runner) Start(ctx context.Context, initialContext map[string]any) (map[string]map[string]any, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.runState == RunRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("adventure %s is already running", r.cfg.ID)
	}
	for _, stage := range r.cfg.Stages {
		if _, ok := r.handlers[stage.ID]; !ok {
			r.mu.Unlock()
			return nil, NewUnknownHandlerError(stage.ID, stage.Type)
		}
	}
	r.runState = RunRunning
	r.records = make(map[string]*stageRecord, len(r.cfg.Stages))
	for _, stage := range r.cfg.Stages {
		r.records[stage.ID] = &stageRecord{stage: stage, status: StagePending}
	}
	r.results = make(map[string]map[string]any)
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "dag.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("adventure.dag.id", r.cfg.ID),
		attribute.Int("adventure.dag.stages", len(r.cfg.Stages)),
	)

	start := time.Now()
	r.logger.Info("adventure_started", "stages", len(r.cfg.Stages))

	results, err := r.coordinate(ctx, typeutil.DeepCopyMap(initialContext))

	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordAdventureExecution(r.cfg.ID, "failed", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("adventure_failed", "durationMs", durationMS, "error", err)
		return nil, err
	}
	observability.RecordAdventureExecution(r.cfg.ID, "completed", durationMS)
	span.SetStatus(codes.Ok, "")
	r.logger.Info("adventure_completed", "durationMs", durationMS, "stages", len(results))
	return results, nil
}

// coordinate is the run's coordinator loop. It is the only goroutine
// that moves stages between statuses while the run is live.
func (r *Runner) coordinate(ctx context.Context, initialContext map[string]any) (map[string]map[string]any, error) {
	outcomes := make(chan outcome, len(r.cfg.Stages))
	retries := make(chan string, len(r.cfg.Stages))
	retryTimers := make(map[string]*time.Timer)
	defer func() {
		for _, timer := range retryTimers {
			timer.Stop()
		}
	}()

	for {
		r.scheduleEligible(ctx, initialContext, outcomes)

		if r.allSettled() {
			results := r.resultsCopy()
			r.setRunState(RunCompleted)
			r.emit(ctx, eventbus.EventOrchestratorComplete, map[string]any{
				"adventureId": r.cfg.ID,
				"stages":      len(r.cfg.Stages),
				"results":     stageResultsPayload(results),
			})
			return results, nil
		}

		select {
		case out := <-outcomes:
			if failErr := r.handleOutcome(ctx, out, retries, retryTimers); failErr != nil {
				r.failRun(ctx, out.stageID, failErr)
				return nil, failErr
			}

		case stageID := <-retries:
			delete(retryTimers, stageID)
			r.beginRetry(ctx, stageID, initialContext, outcomes)

		case <-ctx.Done():
			err := ctx.Err()
			r.failRun(ctx, "", err)
			return nil, err
		}
	}
}

// scheduleEligible moves every pending stage whose dependencies have
// settled into running and launches its first attempt. Stages are
// visited in config order, so scheduling is deterministic.
func (r *Runner) scheduleEligible(ctx context.Context, initialContext map[string]any, outcomes chan<- outcome) {
	for _, stage := range r.cfg.Stages {
		r.mu.Lock()
		rec := r.records[stage.ID]
		if rec.status != StagePending || !r.depsSettledLocked(stage) {
			r.mu.Unlock()
			continue
		}
		rec.status = StageScheduled
		r.mu.Unlock()

		r.emit(ctx, eventbus.EventStageScheduled, r.stagePayload(rec, nil))
		r.beginAttempt(ctx, rec, initialContext, outcomes)
	}
}

// depsSettledLocked reports whether every dependency is completed or
// skipped. Callers hold r.mu.
func (r *Runner) depsSettledLocked(stage *Stage) bool {
	for _, dep := range stage.DependsOn {
		switch r.records[dep].status {
		case StageCompleted, StageSkipped:
		default:
			return false
		}
	}
	return true
}

// beginAttempt transitions a stage to running and launches the handler.
func (r *Runner) beginAttempt(ctx context.Context, rec *stageRecord, initialContext map[string]any, outcomes chan<- outcome) {
	r.mu.Lock()
	rec.status = StageRunning
	rec.attempts++
	attempt := rec.attempts
	hc := &HandlerContext{
		Stage:          rec.stage,
		DAG:            r.cfg,
		State:          r.store,
		Results:        r.resultsCopyLocked(),
		InitialContext: initialContext,
		Emit: func(eventType string, payload map[string]any) {
			r.emit(ctx, eventType, payload)
		},
	}
	handler := r.handlers[rec.stage.ID]
	r.mu.Unlock()

	r.emit(ctx, eventbus.EventStageStart, r.stagePayload(rec, map[string]any{"attempt": attempt}))
	r.logger.Info("stage_started", "stage", rec.stage.ID, "type", rec.stage.Type, "attempt", attempt)

	go r.runAttempt(ctx, rec.stage, attempt, handler, hc, outcomes)
}

// beginRetry re-launches a stage whose retry delay elapsed.
func (r *Runner) beginRetry(ctx context.Context, stageID string, initialContext map[string]any, outcomes chan<- outcome) {
	r.mu.Lock()
	rec, ok := r.records[stageID]
	if !ok || rec.status != StageScheduled {
		// The run failed while the retry timer was pending.
		r.mu.Unlock()
		return
	}
	nextAttempt := rec.attempts + 1
	r.mu.Unlock()

	r.emit(ctx, eventbus.EventStageRetry, r.stagePayload(rec, map[string]any{"attempt": nextAttempt}))
	r.beginAttempt(ctx, rec, initialContext, outcomes)
}

// runAttempt executes one handler attempt, racing it against the stage
// budget. A handler that returns exactly at the budget still completes:
// the timeout path re-checks for a settled result before it fires.
func (r *Runner) runAttempt(ctx context.Context, stage *Stage, attempt int, handler StageHandler, hc *HandlerContext, outcomes chan<- outcome) {
	ctx, span := tracer.Start(ctx, "dag.stage")
	defer span.End()
	span.SetAttributes(
		attribute.String("adventure.stage.id", stage.ID),
		attribute.String("adventure.stage.type", stage.Type),
		attribute.Int("adventure.stage.attempt", attempt),
	)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type handlerReturn struct {
		result map[string]any
		err    error
	}
	returned := make(chan handlerReturn, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				returned <- handlerReturn{err: fmt.Errorf("stage %s handler panicked: %v", stage.ID, rec)}
			}
		}()
		result, err := handler(attemptCtx, hc)
		returned <- handlerReturn{result: result, err: err}
	}()

	report := func(result map[string]any, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		outcomes <- outcome{stageID: stage.ID, result: result, err: err, duration: time.Since(start)}
	}

	budget := time.Duration(stage.Budget.TimeMs) * time.Millisecond
	if budget <= 0 {
		ret := <-returned
		report(ret.result, ret.err)
		return
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case ret := <-returned:
		report(ret.result, ret.err)
	case <-timer.C:
		select {
		case ret := <-returned:
			report(ret.result, ret.err)
		default:
			cancel()
			report(nil, NewStageTimeoutError(stage.ID, budget))
		}
	}
}

// handleOutcome settles one attempt. A non-nil return is the terminal
// pipeline error.
func (r *Runner) handleOutcome(ctx context.Context, out outcome, retries chan<- string, retryTimers map[string]*time.Timer) error {
	r.mu.Lock()
	rec := r.records[out.stageID]
	rec.duration = out.duration
	rec.lastErr = out.err
	durationMS := int(out.duration.Milliseconds())

	if out.err == nil {
		rec.status = StageCompleted
		r.results[out.stageID] = typeutil.DeepCopyMap(out.result)
		r.mu.Unlock()

		observability.RecordStageExecution(rec.stage.Type, "completed", durationMS)
		r.emit(ctx, eventbus.EventStageComplete, r.stagePayload(rec, map[string]any{
			"attempt":    rec.attempts,
			"durationMs": durationMS,
			"result":     typeutil.DeepCopyMap(out.result),
		}))
		r.logger.Info("stage_completed", "stage", out.stageID, "attempt", rec.attempts, "durationMs", durationMS)
		return nil
	}

	willRetry := rec.attempts <= rec.stage.Retry.Attempts
	metricStatus := "failed"
	if _, timedOut := out.err.(*StageTimeoutError); timedOut {
		metricStatus = "timeout"
	}

	if willRetry {
		rec.status = StageScheduled
		delay := time.Duration(rec.stage.Retry.DelayMs) * time.Millisecond
		r.mu.Unlock()

		observability.RecordStageExecution(rec.stage.Type, metricStatus, durationMS)
		r.emit(ctx, eventbus.EventStageFailed, r.stagePayload(rec, map[string]any{
			"attempt":   rec.attempts,
			"error":     out.err.Error(),
			"willRetry": true,
		}))
		r.logger.Warning("stage_attempt_failed",
			"stage", out.stageID,
			"attempt", rec.attempts,
			"delayMs", delay.Milliseconds(),
			"error", out.err)
		stageID := out.stageID
		retryTimers[stageID] = time.AfterFunc(delay, func() { retries <- stageID })
		return nil
	}

	if rec.stage.Optional {
		rec.status = StageSkipped
		r.mu.Unlock()

		observability.RecordStageExecution(rec.stage.Type, "skipped", durationMS)
		r.emit(ctx, eventbus.EventStageFailed, r.stagePayload(rec, map[string]any{
			"attempt":  rec.attempts,
			"error":    out.err.Error(),
			"optional": true,
			"skipped":  true,
		}))
		r.logger.Warning("optional_stage_skipped", "stage", out.stageID, "attempt", rec.attempts, "error", out.err)
		return nil
	}

	rec.status = StageFailed
	r.mu.Unlock()

	observability.RecordStageExecution(rec.stage.Type, metricStatus, durationMS)
	r.emit(ctx, eventbus.EventStageFailed, r.stagePayload(rec, map[string]any{
		"attempt": rec.attempts,
		"error":   out.err.Error(),
	}))
	return NewStageFailedError(r.cfg.ID, out.stageID, out.err)
}

// failRun marks the run failed, blocks every stage that had not yet
// started, and announces the terminal failure.
func (r *Runner) failRun(ctx context.Context, stageID string, cause error) {
	r.mu.Lock()
	for _, rec := range r.records {
		switch rec.status {
		case StagePending, StageScheduled:
			rec.status = StageBlocked
		}
	}
	r.runState = RunFailed
	r.mu.Unlock()

	payload := map[string]any{
		"adventureId": r.cfg.ID,
		"error":       cause.Error(),
	}
	if stageID != "" {
		payload["stageId"] = stageID
	}
	r.emit(ctx, eventbus.EventOrchestratorFailed, payload)
}

// Status reports the run and per-stage state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make(map[string]StageSnapshot, len(r.records))
	for id, rec := range r.records {
		snap := StageSnapshot{
			ID:         id,
			Type:       rec.stage.Type,
			Status:     rec.status,
			Attempts:   rec.attempts,
			DurationMS: rec.duration.Milliseconds(),
		}
		if rec.lastErr != nil {
			snap.Error = rec.lastErr.Error()
		}
		stages[id] = snap
	}
	return Status{AdventureID: r.cfg.ID, State: r.runState, Stages: stages}
}

// Reset returns a terminal runner to idle so Start can run again.
// Fails while the run is live.
func (r *Runner) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runState == RunRunning {
		return fmt.Errorf("adventure %s is still running", r.cfg.ID)
	}
	r.records = nil
	r.results = nil
	r.runState = RunIdle
	return nil
}

// ===== INTERNALS =====

func (r *Runner) setRunState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runState = state
}

// allSettled reports whether every stage reached a terminal status.
func (r *Runner) allSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		switch rec.status {
		case StageCompleted, StageSkipped:
		default:
			return false
		}
	}
	return true
}

func (r *Runner) resultsCopy() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultsCopyLocked()
}

func (r *Runner) resultsCopyLocked() map[string]map[string]any {
	copied := make(map[string]map[string]any, len(r.results))
	for id, result := range r.results {
		copied[id] = typeutil.DeepCopyMap(result)
	}
	return copied
}

// stagePayload builds the common stage event payload plus extras.
func (r *Runner) stagePayload(rec *stageRecord, extra map[string]any) map[string]any {
	payload := map[string]any{
		"adventureId": r.cfg.ID,
		"stageId":     rec.stage.ID,
		"stageType":   rec.stage.Type,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// emit publishes on the runner's own emitter and mirrors to the shared
// bus.
func (r *Runner) emit(ctx context.Context, eventType string, payload map[string]any) {
	event := eventbus.NewEventFrom("dag:"+r.cfg.ID, eventType, payload)
	if err := r.events.EmitEvent(ctx, event); err != nil {
		r.logger.Warning("runner_event_delivery_failed", "eventType", eventType, "error", err)
	}
	if r.bus == nil {
		return
	}
	if err := r.bus.EmitEvent(ctx, event); err != nil {
		r.logger.Warning("bus_event_delivery_failed", "eventType", eventType, "error", err)
	}
}

func stageResultsPayload(results map[string]map[string]any) map[string]any {
	payload := make(map[string]any, len(results))
	for id, result := range results {
		payload[id] = result
	}
	return payload
}
