package mcp

import (
	"context"
	"sync"
)

// ToolCall records one invocation against a mock client.
type ToolCall struct {
	Tool string
	Args map[string]any
}

// MockClient simulates a service without network access. It records
// every call, serves canned replies per tool, and can be taken offline.
// Used by mock mode and tests.
type MockClient struct {
	service string

	mu       sync.Mutex
	offline  bool
	calls    []ToolCall
	replies  map[string]map[string]any
	failures map[string]string
}

// NewMockClient creates a connected mock for a service.
func NewMockClient(service string) *MockClient {
	return &MockClient{
		service:  service,
		replies:  make(map[string]map[string]any),
		failures: make(map[string]string),
	}
}

// WithReply sets a canned result for a tool.
func (m *MockClient) WithReply(tool string, result map[string]any) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[tool] = result
	return m
}

// FailTool makes a tool return an MCPError with the given message.
func (m *MockClient) FailTool(tool, message string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[tool] = message
	return m
}

// SetOffline toggles the connected flag; calls while offline fail.
func (m *MockClient) SetOffline(offline bool) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
	return m
}

// Calls returns every recorded invocation in order.
func (m *MockClient) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor counts invocations of one tool.
func (m *MockClient) CallsFor(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if call.Tool == tool {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Service returns the simulated service name.
func (m *MockClient) Service() string { return m.service }

// Connected reports the offline toggle.
func (m *MockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

// Close marks the mock offline.
func (m *MockClient) Close() error {
	m.SetOffline(true)
	return nil
}

// CallTool records the call and serves the canned reply, defaulting to
// a generic success payload.
func (m *MockClient) CallTool(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	m.mu.Lock()
	offline := m.offline
	if !offline {
		m.calls = append(m.calls, ToolCall{Tool: tool, Args: args})
	}
	message, failed := m.failures[tool]
	reply := m.replies[tool]
	m.mu.Unlock()

	if offline {
		return nil, NewMCPError(m.service, tool, "not connected", nil)
	}
	if failed {
		return nil, NewMCPError(m.service, tool, message, nil)
	}
	if reply != nil {
		return reply, nil
	}
	return map[string]any{"success": true, "tool": tool, "service": m.service}, nil
}

var _ Client = (*MockClient)(nil)
