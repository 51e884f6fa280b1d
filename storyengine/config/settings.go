package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// Audio presentation modes.
const (
	AudioModeStory      = "story"
	AudioModeCommentary = "commentary"
	AudioModeMixed      = "mixed"
)

// Settings is the mutable runtime settings store. Unlike Config, these
// flip while the platform runs: the dashboard toggles API gates, the
// phase machine reads the audio mode per iteration. Every change emits
// `settings_updated` with the full snapshot.
type Settings struct {
	bus    eventbus.Bus
	logger eventbus.Logger

	mu         sync.RWMutex
	llmApis    bool
	mcpCalls   bool
	streaming  bool
	judgePanel bool
	audioMode  string
}

// NewSettings creates the store with everything enabled and audio in
// story mode.
func NewSettings(bus eventbus.Bus, logger eventbus.Logger) *Settings {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Settings{
		bus:        bus,
		logger:     logger.Bind("component", "settings"),
		llmApis:    true,
		mcpCalls:   true,
		streaming:  true,
		judgePanel: true,
		audioMode:  AudioModeStory,
	}
}

// LLMApis reports whether real LLM calls are allowed.
func (s *Settings) LLMApis() bool { s.mu.RLock(); defer s.mu.RUnlock(); return s.llmApis }

// MCPCalls reports whether real MCP calls are allowed.
func (s *Settings) MCPCalls() bool { s.mu.RLock(); defer s.mu.RUnlock(); return s.mcpCalls }

// Streaming reports whether the stream integration is enabled.
func (s *Settings) Streaming() bool { s.mu.RLock(); defer s.mu.RUnlock(); return s.streaming }

// JudgePanel reports whether the judge panel is enabled.
func (s *Settings) JudgePanel() bool { s.mu.RLock(); defer s.mu.RUnlock(); return s.judgePanel }

// AudioMode returns the current presentation audio mode.
func (s *Settings) AudioMode() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.audioMode }

// Snapshot returns the settings as a map under their stable keys.
func (s *Settings) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"llmApis":    s.llmApis,
		"mcpCalls":   s.mcpCalls,
		"streaming":  s.streaming,
		"judgePanel": s.judgePanel,
		"audioMode":  s.audioMode,
	}
}

// Update applies a patch of stable keys. Unknown keys are ignored; a
// bad audioMode value rejects the whole patch. A non-empty patch emits
// `settings_updated` with the full snapshot after commit.
func (s *Settings) Update(ctx context.Context, patch map[string]any) error {
	if mode, ok := patch["audioMode"].(string); ok {
		switch mode {
		case AudioModeStory, AudioModeCommentary, AudioModeMixed:
		default:
			return fmt.Errorf("unknown audio mode %q", mode)
		}
	}

	s.mu.Lock()
	changed := false
	if v, ok := patch["llmApis"].(bool); ok && v != s.llmApis {
		s.llmApis = v
		changed = true
	}
	if v, ok := patch["mcpCalls"].(bool); ok && v != s.mcpCalls {
		s.mcpCalls = v
		changed = true
	}
	if v, ok := patch["streaming"].(bool); ok && v != s.streaming {
		s.streaming = v
		changed = true
	}
	if v, ok := patch["judgePanel"].(bool); ok && v != s.judgePanel {
		s.judgePanel = v
		changed = true
	}
	if v, ok := patch["audioMode"].(string); ok && v != s.audioMode {
		s.audioMode = v
		changed = true
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}

	snapshot := s.Snapshot()
	s.logger.Info("settings_changed", "settings", snapshot)
	if s.bus != nil {
		if err := s.bus.Emit(ctx, eventbus.EventSettingsUpdated, snapshot); err != nil {
			s.logger.Warning("settings_event_delivery_failed", "error", err)
		}
	}
	return nil
}
