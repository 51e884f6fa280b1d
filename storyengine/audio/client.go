package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

const (
	dialTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
)

// Client is the live Coordinator: one websocket to the audio service.
// Writes are serialized; a read loop consumes service status messages;
// a background loop keeps reconnecting with exponential backoff until
// Close.
type Client struct {
	url    string
	logger eventbus.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}
}

// NewClient creates a client for the audio service URL. Call Start to
// begin connecting.
func NewClient(url string, logger eventbus.Logger) *Client {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Client{
		url:    url,
		logger: logger.Bind("component", "audio", "url", url),
		done:   make(chan struct{}),
	}
}

// Start launches the connect loop. It returns immediately; Connected
// flips once the handshake succeeds.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

// Connected reports whether the service is reachable. The read loop
// keeps this honest: the service's own audio_status messages override
// the transport view.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UpdateChannel queues content on one channel.
func (c *Client) UpdateChannel(ctx context.Context, channel string, data any, metadata map[string]any) error {
	if !KnownChannel(channel) {
		return fmt.Errorf("unknown audio channel %q", channel)
	}
	msg := map[string]any{
		"type":    "story_update",
		"channel": channel,
		"data":    data,
	}
	if metadata != nil {
		msg["metadata"] = metadata
	}
	return c.send(ctx, msg)
}

// Control sends a control command, optionally scoped to a channel.
func (c *Client) Control(ctx context.Context, command, channel string, params map[string]any) error {
	msg := map[string]any{
		"type":    "control",
		"command": command,
	}
	if channel != "" {
		msg["channel"] = channel
	}
	if params != nil {
		msg["params"] = params
	}
	return c.send(ctx, msg)
}

// RegisterSync announces a synchronization group across channels.
func (c *Client) RegisterSync(ctx context.Context, syncID string, channels []string, metadata map[string]any) error {
	params := map[string]any{
		"syncId":   syncID,
		"channels": channels,
	}
	if metadata != nil {
		params["metadata"] = metadata
	}
	return c.Control(ctx, CommandRegisterSync, "", params)
}

// ===== TRANSPORT =====

// run is the connect loop: dial, serve the session, reconnect on loss.
func (c *Client) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until closed

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := bo.NextBackOff()
			c.logger.Warning("audio_connect_failed", "error", err, "retryMs", delay.Milliseconds())
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}

		bo.Reset()
		c.logger.Info("audio_service_connected")

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)
		c.readLoop(conn)
		stopPing()

		c.mu.Lock()
		closed := c.closed
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Warning("audio_service_disconnected")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial audio service: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("client closed during dial")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return conn, nil
}

// readLoop consumes service messages until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage processes one service message. Only audio_status is
// semantically consumed; completion and error reports are logged.
func (c *Client) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("audio_message_unparsable", "error", err)
		return
	}
	switch typeutil.SafeStringDefault(msg["type"], "") {
	case "audio_status":
		connected := typeutil.SafeBoolDefault(msg["connected"], true)
		c.mu.Lock()
		c.connected = connected && c.conn != nil
		c.mu.Unlock()
		c.logger.Debug("audio_status", "connected", connected)

	case "audio_complete":
		c.logger.Debug("audio_complete", "channel", msg["channel"])

	case "audio_error":
		c.logger.Warning("audio_error", "channel", msg["channel"], "error", msg["error"])
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// send marshals and writes one message under the write lock.
func (c *Client) send(ctx context.Context, msg map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return NewAudioOfflineError()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audio message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set audio write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write audio message: %w", err)
	}
	return nil
}

var _ Coordinator = (*Client)(nil)
