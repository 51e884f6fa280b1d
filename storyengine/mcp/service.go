package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
)

var tracer = otel.Tracer("adventure-core/mcp")

const connectTimeout = 10 * time.Second

// ServiceClient talks to one MCP simulation service over streamable
// HTTP. The session is established lazily on the first call and
// re-established after transport failures.
type ServiceClient struct {
	service  string
	endpoint string
	logger   eventbus.Logger

	mu      sync.Mutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewServiceClient creates a client for one service endpoint. No
// connection is made until Connect or the first call.
func NewServiceClient(service, endpoint string, logger eventbus.Logger) *ServiceClient {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &ServiceClient{
		service:  service,
		endpoint: endpoint,
		logger:   logger.Bind("component", "mcp", "service", service),
	}
}

// Service returns the simulation service name.
func (c *ServiceClient) Service() string { return c.service }

// Connected reports whether a session is established.
func (c *ServiceClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Connect dials the service, retrying with exponential backoff until
// the context ends or the backoff gives up.
func (c *ServiceClient) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		_, err := c.ensureSession(ctx)
		if err != nil {
			c.logger.Warning("mcp_connect_retry", "endpoint", c.endpoint, "error", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// Close tears the session down.
func (c *ServiceClient) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.client = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// CallTool invokes one tool and decodes the text content as JSON when
// possible. Tool-level failures (IsError results) come back as
// MCPError; transport failures drop the session so the next call
// reconnects.
func (c *ServiceClient) CallTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "mcp.call_tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("adventure.mcp.service", c.service),
		attribute.String("adventure.mcp.tool", tool),
	)

	start := time.Now()
	result, err := c.callToolOnce(ctx, tool, args)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordMCPCall(c.service, "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	observability.RecordMCPCall(c.service, "success", durationMS)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (c *ServiceClient) callToolOnce(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, NewMCPError(c.service, tool, "not connected", err)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		// Transport-level failure: drop the session so the next call
		// reconnects.
		c.mu.Lock()
		if c.session == session {
			c.session = nil
			c.client = nil
		}
		c.mu.Unlock()
		c.logger.Warning("mcp_call_failed", "tool", tool, "error", err)
		return nil, NewMCPError(c.service, tool, "call failed", err)
	}

	text := extractText(result)
	if result.IsError {
		message := text
		if message == "" {
			message = "tool reported an error"
		}
		return nil, NewMCPError(c.service, tool, message, nil)
	}
	return decodeResult(text), nil
}

// ensureSession returns the live session, dialing once if needed.
func (c *ServiceClient) ensureSession(ctx context.Context) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "adventure-core",
		Version: "1.0.0",
	}, nil)
	session, err := client.Connect(dialCtx, &mcpsdk.StreamableClientTransport{Endpoint: c.endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s at %s: %w", c.service, c.endpoint, err)
	}

	c.client = client
	c.session = session
	c.logger.Info("mcp_service_connected", "endpoint", c.endpoint)
	return session, nil
}

// extractText concatenates the text content items of a tool result.
func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeResult parses the text as a JSON object when it looks like
// one; otherwise the raw text is wrapped under "text".
func decodeResult(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return map[string]any{"text": text}
}
