package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/storyengine/ledger"
)

// MockProvider returns canned completions without network access. It
// can impersonate any provider name so wiring code stays identical
// between live and simulated runs.
type MockProvider struct {
	name  string
	model string

	mu       sync.Mutex
	calls    int
	failures int
	latency  time.Duration
	reply    func(req *GenerateRequest) string
}

// NewMockProvider creates a mock provider. An empty name defaults to
// "mock".
func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = ProviderMock
	}
	return &MockProvider{name: name, model: "mock-1"}
}

// WithReply sets the reply function used to build completion text.
func (p *MockProvider) WithReply(fn func(req *GenerateRequest) string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = fn
	return p
}

// WithLatency makes each call sleep before responding.
func (p *MockProvider) WithLatency(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
	return p
}

// FailFirst makes the first n calls return a retryable error.
func (p *MockProvider) FailFirst(n int) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	return p
}

// Calls returns how many generate calls the mock has received.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) Name() string  { return p.name }
func (p *MockProvider) Model() string { return p.model }

// Generate returns a deterministic completion, honoring the configured
// failure count and latency.
func (p *MockProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	fail := call <= p.failures
	latency := p.latency
	reply := p.reply
	p.mu.Unlock()

	start := time.Now()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, NewProviderError(p.name, 0, "request cancelled", ctx.Err())
		}
	}
	if fail {
		return nil, NewProviderError(p.name, http.StatusServiceUnavailable, fmt.Sprintf("simulated failure %d", call), nil)
	}
	text := fmt.Sprintf("{\"provider\": %q, \"call\": %d}", p.name, call)
	if reply != nil {
		text = reply(req)
	}
	promptTokens := len(req.Prompt) / 4
	completionTokens := len(text) / 4
	return &GenerateResult{
		Provider: p.name,
		Model:    p.model,
		Text:     text,
		Usage: ledger.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
		Duration: time.Since(start),
	}, nil
}

var _ Provider = (*MockProvider)(nil)
