// Package config provides runtime configuration for the adventure
// platform.
//
// Configuration is a flat struct with a default for every knob,
// overridden from environment variables. `.env` files are loaded with
// godotenv when present; real environment variables win over file
// entries. Mutable runtime settings (API gates, audio mode) live in
// the Settings store, which announces changes on the bus.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ProviderConfig holds the client settings for one LLM vendor.
type ProviderConfig struct {
	APIKey    string `json:"-"`
	Model     string `json:"model"`
	BaseURL   string `json:"baseUrl,omitempty"`
	MaxTokens int    `json:"maxTokens"`
}

// Config is the platform's runtime configuration.
type Config struct {
	// Mock-mode flags
	MockLLM       bool `json:"mockLLM"`
	MockMCP       bool `json:"mockMCP"`
	MockStreaming bool `json:"mockStreaming"`

	// LLM providers
	Claude          ProviderConfig `json:"claude"`
	OpenAI          ProviderConfig `json:"openai"`
	Gemini          ProviderConfig `json:"gemini"`
	DefaultProvider string         `json:"defaultProvider"`

	// MCP service endpoints
	WorldBuilderURL  string `json:"worldBuilderUrl"`
	WorldViewerURL   string `json:"worldViewerUrl"`
	WorldSurveyorURL string `json:"worldSurveyorUrl"`
	WorldStreamerURL string `json:"worldStreamerUrl"`
	WorldRecorderURL string `json:"worldRecorderUrl"`

	// Audio service
	AudioServiceURL string `json:"audioServiceUrl"`

	// Story loop durations (milliseconds)
	VotingDurationMs       int `json:"votingDurationMs"`
	PresentationDurationMs int `json:"presentationDurationMs"`
	PresentationBufferMs   int `json:"presentationBufferMs"`
	CleanupCountdownMs     int `json:"cleanupCountdownMs"`

	// Timeouts (milliseconds)
	ProposalTimeoutMs  int `json:"proposalTimeoutMs"`
	ExecutionTimeoutMs int `json:"executionTimeoutMs"`
	JudgeTimeoutMs     int `json:"judgeTimeoutMs"`
	ShutdownTimeoutMs  int `json:"shutdownTimeoutMs"`

	// Budgets
	TokenCap int `json:"tokenCap"`

	// Orchestration
	AdventureDir    string `json:"adventureDir"`
	CompletionEvent string `json:"completionEvent"`

	// Observability
	ServiceName  string `json:"serviceName"`
	Environment  string `json:"environment"`
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
	BusHistory   int    `json:"busHistory"`
}

// DefaultConfig returns a Config with default values. Mock mode is on
// by default so a bare checkout runs without vendor keys or simulation
// services.
func DefaultConfig() *Config {
	return &Config{
		MockLLM:       true,
		MockMCP:       true,
		MockStreaming: true,

		Claude:          ProviderConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 1024},
		OpenAI:          ProviderConfig{Model: "gpt-4o-mini", MaxTokens: 1024},
		Gemini:          ProviderConfig{Model: "gemini-2.0-flash", MaxTokens: 1024},
		DefaultProvider: "claude",

		WorldBuilderURL:  "http://localhost:8899/mcp",
		WorldViewerURL:   "http://localhost:8900/mcp",
		WorldSurveyorURL: "http://localhost:8891/mcp",
		WorldStreamerURL: "http://localhost:8906/mcp",
		WorldRecorderURL: "http://localhost:8892/mcp",

		AudioServiceURL: "ws://localhost:8889",

		VotingDurationMs:       30000,
		PresentationDurationMs: 20000,
		PresentationBufferMs:   2000,
		CleanupCountdownMs:     5000,

		ProposalTimeoutMs:  45000,
		ExecutionTimeoutMs: 60000,
		JudgeTimeoutMs:     30000,
		ShutdownTimeoutMs:  10000,

		TokenCap: 50000,

		AdventureDir:    "./adventures",
		CompletionEvent: "competition:completed",

		ServiceName: "adventure-core",
		Environment: "development",
		BusHistory:  50,
	}
}

// Load builds the runtime config: `.env` files are loaded first (missing
// files are skipped, existing environment wins), then environment
// variables override the defaults.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return FromEnv()
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() (*Config, error) {
	c := DefaultConfig()
	var err error

	boolVar(&c.MockLLM, "MOCK_LLM", &err)
	boolVar(&c.MockMCP, "MOCK_MCP", &err)
	boolVar(&c.MockStreaming, "MOCK_STREAMING", &err)

	stringVar(&c.Claude.APIKey, "ANTHROPIC_API_KEY")
	stringVar(&c.Claude.Model, "CLAUDE_MODEL")
	stringVar(&c.Claude.BaseURL, "CLAUDE_BASE_URL")
	intVar(&c.Claude.MaxTokens, "CLAUDE_MAX_TOKENS", &err)
	stringVar(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	stringVar(&c.OpenAI.Model, "OPENAI_MODEL")
	stringVar(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	intVar(&c.OpenAI.MaxTokens, "OPENAI_MAX_TOKENS", &err)
	stringVar(&c.Gemini.APIKey, "GEMINI_API_KEY")
	stringVar(&c.Gemini.Model, "GEMINI_MODEL")
	stringVar(&c.Gemini.BaseURL, "GEMINI_BASE_URL")
	intVar(&c.Gemini.MaxTokens, "GEMINI_MAX_TOKENS", &err)
	stringVar(&c.DefaultProvider, "DEFAULT_LLM_PROVIDER")

	stringVar(&c.WorldBuilderURL, "WORLDBUILDER_URL")
	stringVar(&c.WorldViewerURL, "WORLDVIEWER_URL")
	stringVar(&c.WorldSurveyorURL, "WORLDSURVEYOR_URL")
	stringVar(&c.WorldStreamerURL, "WORLDSTREAMER_URL")
	stringVar(&c.WorldRecorderURL, "WORLDRECORDER_URL")

	stringVar(&c.AudioServiceURL, "AUDIO_SERVICE_URL")

	intVar(&c.VotingDurationMs, "VOTING_DURATION_MS", &err)
	intVar(&c.PresentationDurationMs, "PRESENTATION_DURATION_MS", &err)
	intVar(&c.PresentationBufferMs, "PRESENTATION_BUFFER_MS", &err)
	intVar(&c.CleanupCountdownMs, "CLEANUP_COUNTDOWN_MS", &err)

	intVar(&c.ProposalTimeoutMs, "PROPOSAL_TIMEOUT_MS", &err)
	intVar(&c.ExecutionTimeoutMs, "EXECUTION_TIMEOUT_MS", &err)
	intVar(&c.JudgeTimeoutMs, "JUDGE_TIMEOUT_MS", &err)
	intVar(&c.ShutdownTimeoutMs, "SHUTDOWN_TIMEOUT_MS", &err)

	intVar(&c.TokenCap, "TOKEN_CAP", &err)

	stringVar(&c.AdventureDir, "ADVENTURE_DIR")
	stringVar(&c.CompletionEvent, "COMPLETION_EVENT")

	stringVar(&c.ServiceName, "SERVICE_NAME")
	stringVar(&c.Environment, "ENVIRONMENT")
	stringVar(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	intVar(&c.BusHistory, "BUS_HISTORY", &err)

	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch c.DefaultProvider {
	case "claude", "gpt", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown default provider %q", c.DefaultProvider)
	}
	switch c.CompletionEvent {
	case "competition:completed", "competition_voting":
	default:
		return fmt.Errorf("unsupported completion event %q (use competition:completed or competition_voting)", c.CompletionEvent)
	}
	if c.TokenCap < 0 {
		return fmt.Errorf("token cap must not be negative, got %d", c.TokenCap)
	}
	return nil
}

// ===== ENV HELPERS =====

func stringVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string, errOut *error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("%s is not an integer: %q", key, v)
		}
		return
	}
	*dst = parsed
}

func boolVar(dst *bool, key string, errOut *error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("%s is not a boolean: %q", key, v)
		}
		return
	}
	*dst = parsed
}
