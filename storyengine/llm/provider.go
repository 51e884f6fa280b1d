// Package llm binds vendor completion APIs to the event bus.
//
// Each vendor is wrapped in a Provider with a uniform generate call. A
// Registry holds the configured providers, and the Responder serves
// bus-mediated requests so DAG stages and agents never touch vendor
// HTTP details directly.
package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/storyengine/ledger"
)

// Canonical provider keys.
const (
	ProviderClaude = "claude"
	ProviderGPT    = "gpt"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// GenerateRequest describes a single completion call.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenerateResult is the uniform completion result across vendors.
type GenerateResult struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Text     string        `json:"text"`
	Usage    ledger.Usage  `json:"usage"`
	Duration time.Duration `json:"-"`
}

// Provider generates completions from one LLM vendor.
type Provider interface {
	// Name returns the short provider key ("claude", "gpt", "gemini").
	Name() string
	// Model returns the model identifier requests are sent to.
	Model() string
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// Registry holds the configured providers keyed by provider name.
// The first registered provider becomes the default until SetDefault
// picks another.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	defaultKey string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name, replacing any previous
// provider with that name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultKey == "" {
		r.defaultKey = p.Name()
	}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.defaultKey]
	return p, ok
}

// SetDefault makes name the default provider. It reports false when no
// provider is registered under that name.
func (r *Registry) SetDefault(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return false
	}
	r.defaultKey = name
	return true
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
