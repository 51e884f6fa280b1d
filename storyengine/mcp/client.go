// Package mcp provides the clients for the MCP simulation services
// (worldbuilder, worldviewer, worldsurveyor, worldstreamer,
// worldrecorder) plus the bus responder that serves
// orchestrator:mcp:request events.
//
// Clients speak Model Context Protocol over streamable HTTP via the
// official Go SDK. The typed World* wrappers expose the logical
// operations the story loop needs; everything else goes through the
// generic CallTool path.
package mcp

import (
	"context"
	"sort"
	"sync"

	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// Simulation service names.
const (
	ServiceWorldBuilder  = "worldbuilder"
	ServiceWorldViewer   = "worldviewer"
	ServiceWorldSurveyor = "worldsurveyor"
	ServiceWorldStreamer = "worldstreamer"
	ServiceWorldRecorder = "worldrecorder"
)

// Client is one simulation service connection.
type Client interface {
	// Service returns the service name the client talks to.
	Service() string
	// Connected reports whether a live session exists.
	Connected() bool
	// CallTool invokes one tool and returns the decoded result map.
	CallTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
	// Close tears the session down. Safe to call twice.
	Close() error
}

// ExecuteCommand invokes a tool with option fields merged into the
// arguments. Explicit arguments win over option values of the same
// name.
func ExecuteCommand(ctx context.Context, client Client, tool string, args, options map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(args)+len(options))
	for k, v := range options {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return client.CallTool(ctx, tool, merged)
}

// Registry holds the clients by service name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for a service.
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Service()] = client
}

// Get returns the client for a service.
func (r *Registry) Get(service string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[service]
	return c, ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every client and returns the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// optional drops empty-string and nil values so tool args stay sparse.
func optional(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if s, ok := typeutil.SafeString(v); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}
