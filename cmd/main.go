// Adventure Platform
//
// Wires the full story platform: event bus, state store, LLM and MCP
// responders, audio coordinator, competing agents, judge panel,
// orchestrator and the story loop, then runs until a shutdown signal.
//
// Usage:
//
//	go run ./cmd                        # mock mode per defaults
//	go run ./cmd -env .env              # load environment overrides
//	go build -o adventure-core ./cmd && ./adventure-core
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/agents"
	"github.com/agent-adventures/adventure-core/storyengine/audio"
	"github.com/agent-adventures/adventure-core/storyengine/config"
	"github.com/agent-adventures/adventure-core/storyengine/judging"
	"github.com/agent-adventures/adventure-core/storyengine/ledger"
	"github.com/agent-adventures/adventure-core/storyengine/llm"
	"github.com/agent-adventures/adventure-core/storyengine/mcp"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/orchestrator"
	"github.com/agent-adventures/adventure-core/storyengine/phases"
	"github.com/agent-adventures/adventure-core/storyengine/proposals"
	"github.com/agent-adventures/adventure-core/storyengine/state"
	"github.com/agent-adventures/adventure-core/storyengine/voting"
)

const version = "1.0.0"

// stdLogger implements eventbus.Logger over the standard log package.
type stdLogger struct {
	fields []any
}

func (l *stdLogger) log(level, msg string, fields ...any) {
	all := append(append([]any(nil), l.fields...), fields...)
	log.Printf("[%s] %s %v", level, msg, all)
}

func (l *stdLogger) Debug(msg string, fields ...any)   { l.log("DEBUG", msg, fields...) }
func (l *stdLogger) Info(msg string, fields ...any)    { l.log("INFO", msg, fields...) }
func (l *stdLogger) Warning(msg string, fields ...any) { l.log("WARN", msg, fields...) }
func (l *stdLogger) Error(msg string, fields ...any)   { l.log("ERROR", msg, fields...) }

func (l *stdLogger) Bind(fields ...any) eventbus.Logger {
	return &stdLogger{fields: append(append([]any(nil), l.fields...), fields...)}
}

func main() {
	envFile := flag.String("env", ".env", "environment file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := &stdLogger{}
	logger.Info("platform_starting",
		"version", version,
		"environment", cfg.Environment,
		"mockLLM", cfg.MockLLM,
		"mockMCP", cfg.MockMCP)

	flushTracer, err := observability.InitTracer(cfg.ServiceName, version, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewInMemoryBus(cfg.BusHistory)
	store := state.NewStore(bus, logger)
	settings := config.NewSettings(bus, logger)
	ldg := ledger.NewLedger(cfg.TokenCap, logger)

	// LLM providers and responder.
	registry := buildProviders(cfg)
	llmResponder := llm.NewResponder(bus, registry, ldg, logger, llm.WithGate(settings.LLMApis))
	llmResponder.Start(ctx)
	defer llmResponder.Stop()

	// MCP clients and responder.
	mcpRegistry, mcpClients := buildMCPClients(ctx, cfg, logger)
	defer func() {
		for _, client := range mcpClients {
			client.Close()
		}
	}()
	mcpResponder := mcp.NewResponder(bus, mcpRegistry, logger, mcp.WithGate(settings.MCPCalls))
	mcpResponder.Start(ctx)
	defer mcpResponder.Stop()

	builder, viewer, surveyor := worldWrappers(mcpRegistry)

	// Audio coordinator and responder.
	coordinator := buildCoordinator(ctx, cfg, logger)
	audioResponder := audio.NewResponder(bus, coordinator, logger)
	audioResponder.Start(ctx)
	defer audioResponder.Stop()

	// Competing agents.
	roster, started, failed := buildAgents(ctx, cfg, registry, ldg, logger)
	defer func() {
		for _, agent := range roster {
			agent.Stop()
		}
	}()

	// Proposal batches, judge panel, audience voting.
	batches := proposals.NewManager(bus, logger, proposals.WithCompletionEvent(cfg.CompletionEvent))
	batches.Start(ctx)
	defer batches.Stop()

	panel := buildPanel(cfg, registry, ldg, bus, logger)

	votes := voting.NewCollector(bus, logger)
	votes.Start(ctx)
	defer votes.Stop()

	// Orchestrator with the adventure directory index kept fresh.
	managerOpts := []orchestrator.Option{orchestrator.WithAdventureDir(cfg.AdventureDir)}
	watcher, err := config.NewAdventureWatcher(cfg.AdventureDir, logger)
	if err != nil {
		logger.Warning("adventure_watch_unavailable", "dir", cfg.AdventureDir, "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
		managerOpts = append(managerOpts, orchestrator.WithNameResolver(watcher.Lookup))
	}
	manager := orchestrator.NewManager(bus, store, logger, managerOpts...)
	orchestrator.RegisterDefaults(manager, orchestrator.HandlerDeps{
		Bus:      bus,
		Logger:   logger,
		Builder:  builder,
		Surveyor: surveyor,
		Roster: func(string) []string {
			ids := make([]string, len(roster))
			for i, agent := range roster {
				ids[i] = agent.ID()
			}
			return ids
		},
		ProposalTimeout:  time.Duration(cfg.ProposalTimeoutMs) * time.Millisecond,
		ExecutionTimeout: time.Duration(cfg.ExecutionTimeoutMs) * time.Millisecond,
		CompletionEvent:  cfg.CompletionEvent,
	})

	// Story loop.
	genres := phases.GenreSource(nil)
	if !cfg.MockLLM {
		genres = phases.LLMGenres(bus, 15*time.Second)
	}
	machine := phases.NewMachine(phases.Deps{
		Bus:      bus,
		State:    store,
		Logger:   logger,
		Settings: settings,
		Agents:   roster,
		Batches:  batches,
		Panel:    panel,
		Votes:    votes,
		Builder:  builder,
		Viewer:   viewer,
		Surveyor: surveyor,
		Genres:   genres,

		VotingWindow:         time.Duration(cfg.VotingDurationMs) * time.Millisecond,
		ProposalWindow:       time.Duration(cfg.ProposalTimeoutMs) * time.Millisecond,
		PresentationDuration: time.Duration(cfg.PresentationDurationMs) * time.Millisecond,
		PresentationBuffer:   time.Duration(cfg.PresentationBufferMs) * time.Millisecond,
		CleanupCountdown:     time.Duration(cfg.CleanupCountdownMs) * time.Millisecond,
	})

	startActivityLog(bus, logger)
	stopMetrics := startMetricsLoop(ctx, bus, ldg, manager, logger)
	defer stopMetrics()

	loopDone := make(chan error, 1)
	go func() { loopDone <- machine.Run(ctx) }()

	services := []string{"eventbus", "state", "llm", "mcp", "audio", "orchestrator", "storyloop"}
	if err := bus.Emit(ctx, eventbus.EventPlatformStarted, map[string]any{
		"agentsStarted": started,
		"agentsFailed":  failed,
		"services":      services,
	}); err != nil {
		logger.Warning("platform_event_delivery_failed", "error", err)
	}
	logger.Info("platform_ready", "agents", started, "services", services)
	fmt.Printf("\nAdventure platform running (%d agents)\n", started)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	loopExited := false
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-loopDone:
		loopExited = true
		if err != nil && ctx.Err() == nil {
			logger.Error("story_loop_failed", "error", err)
		}
	}

	// Graceful shutdown: finish the current phase, drain the
	// orchestrator, then flush traces.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer cancelShutdown()

	machine.Stop()
	if !loopExited {
		select {
		case <-loopDone:
		case <-shutdownCtx.Done():
			logger.Warning("story_loop_stop_timed_out", "phase", machine.Current())
			cancel()
		}
	}

	if err := manager.Shutdown(shutdownCtx, true); err != nil {
		logger.Warning("orchestrator_shutdown_incomplete", "error", err)
	}
	if err := flushTracer(shutdownCtx); err != nil {
		logger.Warning("tracer_flush_failed", "error", err)
	}
	logger.Info("platform_stopped")
}

// buildProviders registers either the mock providers or the configured
// vendor providers under their stable names.
func buildProviders(cfg *config.Config) *llm.Registry {
	registry := llm.NewRegistry()
	if cfg.MockLLM {
		registry.Register(llm.NewMockProvider(llm.ProviderClaude))
		registry.Register(llm.NewMockProvider(llm.ProviderGPT))
		registry.Register(llm.NewMockProvider(llm.ProviderGemini))
	} else {
		registry.Register(llm.NewClaudeProvider(cfg.Claude.APIKey, cfg.Claude.Model, cfg.Claude.BaseURL))
		registry.Register(llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL))
		registry.Register(llm.NewGeminiProvider(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.BaseURL))
	}
	registry.SetDefault(cfg.DefaultProvider)
	return registry
}

// buildMCPClients connects the five simulation services, or registers
// mock clients when MCP is mocked. Connection failures are logged; the
// responder reports per-call errors for unreachable services.
func buildMCPClients(ctx context.Context, cfg *config.Config, logger eventbus.Logger) (*mcp.Registry, []mcp.Client) {
	endpoints := map[string]string{
		mcp.ServiceWorldBuilder:  cfg.WorldBuilderURL,
		mcp.ServiceWorldViewer:   cfg.WorldViewerURL,
		mcp.ServiceWorldSurveyor: cfg.WorldSurveyorURL,
		mcp.ServiceWorldStreamer: cfg.WorldStreamerURL,
		mcp.ServiceWorldRecorder: cfg.WorldRecorderURL,
	}

	registry := mcp.NewRegistry()
	clients := make([]mcp.Client, 0, len(endpoints))
	for service, endpoint := range endpoints {
		var client mcp.Client
		if cfg.MockMCP {
			client = mcp.NewMockClient(service)
		} else {
			sc := mcp.NewServiceClient(service, endpoint, logger)
			if err := sc.Connect(ctx); err != nil {
				logger.Warning("mcp_connect_failed", "service", service, "endpoint", endpoint, "error", err)
			}
			client = sc
		}
		registry.Register(client)
		clients = append(clients, client)
	}
	return registry, clients
}

func worldWrappers(registry *mcp.Registry) (*mcp.WorldBuilder, *mcp.WorldViewer, *mcp.WorldSurveyor) {
	builderClient, _ := registry.Get(mcp.ServiceWorldBuilder)
	viewerClient, _ := registry.Get(mcp.ServiceWorldViewer)
	surveyorClient, _ := registry.Get(mcp.ServiceWorldSurveyor)
	return mcp.NewWorldBuilder(builderClient), mcp.NewWorldViewer(viewerClient), mcp.NewWorldSurveyor(surveyorClient)
}

// buildCoordinator dials the audio service unless streaming is mocked
// or no URL is configured, in which case the offline stub serves.
func buildCoordinator(ctx context.Context, cfg *config.Config, logger eventbus.Logger) audio.Coordinator {
	if cfg.MockStreaming || cfg.AudioServiceURL == "" {
		return audio.OfflineCoordinator{}
	}
	client := audio.NewClient(cfg.AudioServiceURL, logger)
	client.Start(ctx)
	return client
}

// buildAgents assembles the competing roster: one agent per provider,
// mock agents in mock mode. A failed initialization drops the agent
// but keeps the platform up.
func buildAgents(ctx context.Context, cfg *config.Config, registry *llm.Registry, ldg *ledger.Ledger, logger eventbus.Logger) ([]agents.Agent, int, int) {
	names := []string{llm.ProviderClaude, llm.ProviderGemini, llm.ProviderGPT}

	roster := make([]agents.Agent, 0, len(names))
	started, failed := 0, 0
	for _, name := range names {
		var agent agents.Agent
		if cfg.MockLLM {
			agent = agents.NewMockAgent(name, "scene", logger)
		} else {
			multi, err := agents.NewMultiLLMAgent(name, "scene", name, registry, ldg, logger)
			if err != nil {
				logger.Warning("agent_unavailable", "agent", name, "error", err)
				failed++
				continue
			}
			agent = multi
		}
		if err := agent.Initialize(ctx); err != nil {
			logger.Warning("agent_initialize_failed", "agent", name, "error", err)
			failed++
			continue
		}
		if err := agent.Start(ctx); err != nil {
			logger.Warning("agent_start_failed", "agent", name, "error", err)
			failed++
			continue
		}
		roster = append(roster, agent)
		started++
	}
	return roster, started, failed
}

// buildPanel seats the stock four judges: rule-based in mock mode,
// LLM-backed over the default provider otherwise.
func buildPanel(cfg *config.Config, registry *llm.Registry, ldg *ledger.Ledger, bus eventbus.Bus, logger eventbus.Logger) *judging.Panel {
	judges := make([]judging.Judge, 0, 4)
	for _, jc := range judging.DefaultConfigs() {
		if cfg.MockLLM {
			judge, err := judging.NewRuleBasedJudge(jc, "")
			if err != nil {
				logger.Warning("judge_unavailable", "judge", jc.ID, "error", err)
				continue
			}
			judges = append(judges, judge)
			continue
		}
		provider, ok := registry.Default()
		if !ok {
			logger.Warning("judge_unavailable", "judge", jc.ID, "error", "no default provider")
			continue
		}
		judges = append(judges, judging.NewLLMJudge(jc, provider, ldg))
	}
	return judging.NewPanel(judges, bus, logger,
		judging.WithJudgeTimeout(time.Duration(cfg.JudgeTimeoutMs)*time.Millisecond))
}

// startActivityLog bridges component failures onto the dashboard-facing
// activity_log event.
func startActivityLog(bus eventbus.Bus, logger eventbus.Logger) {
	forward := func(source string) eventbus.HandlerFunc {
		return func(ctx context.Context, event *eventbus.Event) error {
			payload := event.PayloadMap()
			message, _ := payload["error"].(string)
			if message == "" {
				message = event.Type
			}
			return bus.Emit(ctx, eventbus.EventActivityLog, map[string]any{
				"level":   "error",
				"source":  source,
				"message": message,
			})
		}
	}
	bus.Subscribe(eventbus.EventHandlerError, forward("eventbus"))
	bus.Subscribe(eventbus.EventLoopPhaseFailed, forward("storyloop"))
	bus.Subscribe(eventbus.EventOrchestratorFailed, forward("orchestrator"))
	logger.Debug("activity_log_bridge_started")
}

// startMetricsLoop emits metrics_update periodically from the ledger
// and keeps the active-adventure gauge current.
func startMetricsLoop(ctx context.Context, bus eventbus.Bus, ldg *ledger.Ledger, manager *orchestrator.Manager, logger eventbus.Logger) func() {
	var competitions atomic.Int64
	bus.Subscribe(eventbus.EventLoopIterationCompleted, func(context.Context, *eventbus.Event) error {
		competitions.Add(1)
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report := ldg.Report()
				observability.SetActiveAdventures(len(manager.ActiveAdventures()))
				if err := bus.Emit(ctx, eventbus.EventMetricsUpdate, map[string]any{
					"totalTokens":  report.TotalTokens,
					"totalCost":    report.TotalCostUSD,
					"competitions": competitions.Load(),
				}); err != nil {
					logger.Warning("metrics_event_delivery_failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
