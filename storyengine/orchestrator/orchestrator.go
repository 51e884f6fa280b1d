// Package orchestrator manages adventure lifecycles: it resolves DAG
// configs by name or literal, binds stage handlers through the type
// factory registry, and runs one fresh dag.Runner per adventure.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/dag"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/state"
)

// TypeHandlerFactory builds a stage handler for one stage of a given
// type. Factories run once per stage at adventure start.
type TypeHandlerFactory func(stage *dag.Stage) dag.StageHandler

// Result is the terminal outcome of one adventure run.
type Result struct {
	Results map[string]map[string]any
	Err     error
}

// Adventure is one running (or finished) DAG execution.
type Adventure struct {
	ID     string
	Runner *dag.Runner
	Done   <-chan Result
}

// StartOptions tunes one StartAdventure call.
type StartOptions struct {
	// InitialContext is passed to every stage handler.
	InitialContext map[string]any
	// AutoReset allows re-starting an id whose previous run finished.
	AutoReset bool
}

type adventureRecord struct {
	adventure *Adventure
	running   bool
}

// Manager owns the handler registries and the active adventure set.
//
// Handler resolution precedence per stage: an explicit per-id stage
// handler, then the factory registered for the stage type, then a
// default no-op that resolves with {skipped: true}.
type Manager struct {
	bus    eventbus.Bus
	store  *state.Store
	logger eventbus.Logger
	dir    string
	lookup func(name string) (string, bool)

	mu            sync.Mutex
	typeFactories map[string]TypeHandlerFactory
	stageHandlers map[string]dag.StageHandler
	adventures    map[string]*adventureRecord
	wg            sync.WaitGroup
	shuttingDown  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithAdventureDir sets the directory adventure names resolve against.
func WithAdventureDir(dir string) Option {
	return func(m *Manager) { m.dir = dir }
}

// WithNameResolver installs a name-to-path resolver, typically the
// config watcher's Lookup. It is consulted before the adventure dir.
func WithNameResolver(lookup func(name string) (string, bool)) Option {
	return func(m *Manager) { m.lookup = lookup }
}

// NewManager creates an orchestrator manager. The store may be nil
// when stage handlers do not touch story state.
func NewManager(bus eventbus.Bus, store *state.Store, logger eventbus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	m := &Manager{
		bus:           bus,
		store:         store,
		logger:        logger.Bind("component", "orchestrator"),
		dir:           "./adventures",
		typeFactories: make(map[string]TypeHandlerFactory),
		stageHandlers: make(map[string]dag.StageHandler),
		adventures:    make(map[string]*adventureRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTypeHandler binds a factory to a stage type. The last
// registration for a type wins.
func (m *Manager) RegisterTypeHandler(stageType string, factory TypeHandlerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typeFactories[stageType] = factory
}

// RegisterStageHandler binds a handler to a stage id across all
// adventures. Per-id handlers win over type factories.
func (m *Manager) RegisterStageHandler(stageID string, handler dag.StageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageHandlers[stageID] = handler
}

// StartAdventure resolves the config, builds a fresh runner with
// handlers bound by precedence, and launches the run. The returned
// Done channel receives exactly one Result.
//
// configOrName is a *dag.Config literal or a string name resolved
// against the adventure directory (filename stem becomes the default
// id).
func (m *Manager) StartAdventure(ctx context.Context, configOrName any, opts StartOptions) (*Adventure, error) {
	cfg, err := m.resolveConfig(configOrName)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, &ShuttingDownError{}
	}
	if record, ok := m.adventures[cfg.ID]; ok {
		if record.running {
			m.mu.Unlock()
			return nil, NewAdventureActiveError(cfg.ID)
		}
		if !opts.AutoReset {
			m.mu.Unlock()
			return nil, fmt.Errorf("adventure %s already ran; pass AutoReset to run it again", cfg.ID)
		}
		delete(m.adventures, cfg.ID)
	}

	runner := dag.NewRunner(cfg, m.bus, m.store, m.logger)
	for _, stage := range cfg.Stages {
		runner.RegisterStageHandler(stage.ID, m.handlerForLocked(stage))
	}

	done := make(chan Result, 1)
	adventure := &Adventure{ID: cfg.ID, Runner: runner, Done: done}
	record := &adventureRecord{adventure: adventure, running: true}
	m.adventures[cfg.ID] = record
	running := m.runningCountLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	observability.SetActiveAdventures(running)
	m.logger.Info("adventure_launched", "adventure", cfg.ID, "stages", len(cfg.Stages))

	go func() {
		defer m.wg.Done()
		results, runErr := runner.Start(ctx, opts.InitialContext)

		m.mu.Lock()
		record.running = false
		remaining := m.runningCountLocked()
		m.mu.Unlock()

		observability.SetActiveAdventures(remaining)
		done <- Result{Results: results, Err: runErr}
		close(done)
	}()

	return adventure, nil
}

// ActiveAdventures returns the ids of adventures still running.
func (m *Manager) ActiveAdventures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.adventures))
	for id, record := range m.adventures {
		if record.running {
			ids = append(ids, id)
		}
	}
	return ids
}

// Adventure returns the record for an id, running or finished.
func (m *Manager) Adventure(id string) (*Adventure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.adventures[id]
	if !ok {
		return nil, false
	}
	return record.adventure, true
}

// Shutdown stops accepting new adventures. With waitForCompletion the
// call blocks until in-flight runs finish or ctx ends; stage work is
// never forcibly killed, handlers are expected to be timeout-bounded.
func (m *Manager) Shutdown(ctx context.Context, waitForCompletion bool) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	if !waitForCompletion {
		m.logger.Info("orchestrator_shutdown", "waited", false)
		return nil
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.logger.Info("orchestrator_shutdown", "waited", true)
		return nil
	case <-ctx.Done():
		m.logger.Warning("orchestrator_shutdown_timeout", "active", m.ActiveAdventures())
		return ctx.Err()
	}
}

// ===== CONFIG RESOLUTION =====

func (m *Manager) resolveConfig(configOrName any) (*dag.Config, error) {
	switch v := configOrName.(type) {
	case *dag.Config:
		if v == nil {
			return nil, fmt.Errorf("adventure config is nil")
		}
		return v, nil
	case dag.Config:
		return &v, nil
	case string:
		return m.loadByName(v)
	default:
		return nil, fmt.Errorf("unsupported adventure config type %T", configOrName)
	}
}

// loadByName resolves a name through the resolver, then the adventure
// directory. The filename stem becomes the id when the file has none.
func (m *Manager) loadByName(name string) (*dag.Config, error) {
	path, ok := m.resolvePath(name)
	if !ok {
		return nil, NewUnknownAdventureError(name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adventure config %s: %w", path, err)
	}

	var cfg dag.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("adventure config %s is not valid JSON: %w", path, err)
	}
	if cfg.ID == "" {
		cfg.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &cfg, nil
}

func (m *Manager) resolvePath(name string) (string, bool) {
	if m.lookup != nil {
		if path, ok := m.lookup(name); ok {
			return path, true
		}
	}
	candidates := []string{name}
	if !strings.HasSuffix(name, ".json") {
		candidates = append(candidates, filepath.Join(m.dir, name+".json"))
	} else {
		candidates = append(candidates, filepath.Join(m.dir, name))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// ===== HANDLER RESOLUTION =====

// handlerForLocked applies the resolution precedence for one stage.
// Callers hold m.mu.
func (m *Manager) handlerForLocked(stage *dag.Stage) dag.StageHandler {
	if handler, ok := m.stageHandlers[stage.ID]; ok {
		return handler
	}
	if factory, ok := m.typeFactories[stage.Type]; ok {
		return factory(stage)
	}
	m.logger.Warning("stage_handler_defaulted", "stage", stage.ID, "type", stage.Type)
	return func(context.Context, *dag.HandlerContext) (map[string]any, error) {
		return map[string]any{"skipped": true}, nil
	}
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, record := range m.adventures {
		if record.running {
			n++
		}
	}
	return n
}
