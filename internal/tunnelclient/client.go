// Package tunnelclient maintains the laptop side of a tunnel: one persistent
// WebSocket to the relay, reconnected with exponential backoff, over which
// relayed HTTP requests arrive and terminal, recording and agent traffic is
// pushed.
package tunnelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rbarinov/echoshell/internal/agentevent"
	"github.com/rbarinov/echoshell/internal/protocol"
)

// ErrNotConnected is returned when attempting to send on a disconnected client.
var ErrNotConnected = errors.New("tunnel client not connected")

const (
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 30 * time.Second

	wsPingInterval   = 20 * time.Second
	wsLivenessWindow = 30 * time.Second
	wsWriteWait      = 10 * time.Second
	wsHandshakeWait  = 15 * time.Second
	sendChBufferSize = 256

	// maxConcurrentRequests bounds in-flight relayed request handlers so a
	// flood of http_request frames cannot grow goroutines without limit.
	maxConcurrentRequests = 64
)

// Dispatcher answers one relayed HTTP request. Implementations must always
// return a response; transport failures map to gateway-style status codes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.HTTPRequest) *protocol.HTTPResponse
}

// Config controls the tunnel client connection.
type Config struct {
	// WSURL is the relay's tunnel endpoint for this tunnel id, as returned
	// by tunnel registration.
	WSURL string
	// APIKey authenticates the laptop to the relay.
	APIKey string
	// ClientAuthKey, when set, is registered with the relay right after
	// connecting; mobile clients must then present it.
	ClientAuthKey string
}

// Status is a snapshot of the client connection state.
type Status struct {
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// Client maintains a persistent connection to the relay server.
type Client struct {
	config     Config
	dispatcher Dispatcher
	logger     zerolog.Logger

	// Inbound push traffic from the relay.
	onTerminalInput func(sessionID, data string)
	onAgentEvent    func(sessionID string, event *agentevent.Event)

	mu        sync.RWMutex
	sendCh    chan<- []byte // per-connection send channel, nil when disconnected
	connected bool
	lastError string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tunnel client. The dispatcher handles relayed requests; the
// input and event callbacks may be nil when the laptop does not serve
// terminal or agent sessions.
func New(cfg Config, dispatcher Dispatcher, logger zerolog.Logger) *Client {
	return &Client{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// OnTerminalInput registers the callback for terminal_input frames. Must be
// called before Run.
func (c *Client) OnTerminalInput(fn func(sessionID, data string)) {
	c.onTerminalInput = fn
}

// OnAgentEvent registers the callback for inbound agent events. Must be
// called before Run.
func (c *Client) OnAgentEvent(fn func(sessionID string, event *agentevent.Event)) {
	c.onAgentEvent = fn
}

// Run starts the reconnect loop. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		opened, err := c.connectAndHandle(ctx)
		if opened {
			// A successful open restarts the backoff schedule, so a tunnel
			// that drops after a long healthy session retries at 2s again.
			consecutiveFailures = 0
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			consecutiveFailures++
			c.mu.Lock()
			c.lastError = err.Error()
			c.connected = false
			c.mu.Unlock()

			delay := backoffDelay(consecutiveFailures)
			if consecutiveFailures >= 3 {
				c.logger.Warn().Err(err).
					Int("failures", consecutiveFailures).
					Dur("retry_in", delay).
					Msg("Tunnel connection failed repeatedly")
			} else {
				c.logger.Debug().Err(err).
					Dur("retry_in", delay).
					Msg("Tunnel connection interrupted, reconnecting")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// Close stops the client and closes the connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{Connected: c.connected, LastError: c.lastError}
}

// Connected reports whether the tunnel socket is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// backoffDelay doubles per consecutive failure and saturates at the cap:
// 2s, 4s, 8s, 16s, 30s, 30s, ...
func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(math.Pow(2, float64(failures-1))) * baseReconnectDelay
	if d > maxReconnectDelay || d <= 0 {
		return maxReconnectDelay
	}
	return d
}

// SendTerminalOutput pushes one chunk of terminal output to the relay.
func (c *Client) SendTerminalOutput(sessionID, data string) error {
	return c.sendFrame(protocol.TerminalOutput{
		Type:      protocol.TypeTerminalOutput,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendRecordingOutput pushes one recording frame to the relay. The type and
// session id must already be set by the caller.
func (c *Client) SendRecordingOutput(out protocol.RecordingOutput) error {
	out.Type = protocol.TypeRecordingOutput
	return c.sendFrame(out)
}

// SendAgentEvent encodes and pushes one agent event to the relay.
func (c *Client) SendAgentEvent(event *agentevent.Event) error {
	encoded, err := agentevent.Encode(event)
	if err != nil {
		return fmt.Errorf("encode agent event: %w", err)
	}
	return c.sendFrame(protocol.AgentEventFrame{
		Type:      protocol.TypeAgentEvent,
		SessionID: event.SessionID,
		Event:     encoded,
	})
}

// sendFrame enqueues one frame without blocking. Frames for a disconnected
// tunnel are dropped with an error; callers decide whether to buffer.
func (c *Client) sendFrame(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.sendCh
	connected := c.connected
	c.mu.RUnlock()

	if ch == nil || !connected {
		return ErrNotConnected
	}
	select {
	case ch <- data:
		return nil
	default:
		return errors.New("tunnel send channel full")
	}
}

// connectAndHandle dials the relay and services the connection until it
// fails or ctx is cancelled. opened reports whether the socket was actually
// established, regardless of how the session ended.
func (c *Client) connectAndHandle(ctx context.Context) (opened bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	url := c.config.WSURL + "?api_key=" + c.config.APIKey

	c.logger.Info().Str("url", c.config.WSURL).Msg("Connecting to relay")
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	// Per-connection send channel so a stale pump can never write to a new
	// socket.
	sendCh := make(chan []byte, sendChBufferSize)

	defer func() {
		c.mu.Lock()
		c.sendCh = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()
		c.logger.Info().Msg("Tunnel connection closed")
	}()

	// Each pong extends the read deadline; a relay that stops answering
	// pings fails the read loop and triggers a reconnect.
	_ = conn.SetReadDeadline(time.Now().Add(wsLivenessWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsLivenessWindow))
	})

	c.mu.Lock()
	c.sendCh = sendCh
	c.connected = true
	c.lastError = ""
	c.mu.Unlock()
	c.logger.Info().Msg("Tunnel connected")

	if c.config.ClientAuthKey != "" {
		if err := c.sendFrame(protocol.ClientAuthKey{
			Type: protocol.TypeClientAuthKey,
			Key:  c.config.ClientAuthKey,
		}); err != nil {
			return true, fmt.Errorf("register client auth key: %w", err)
		}
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	go c.writePump(connCtx, conn, sendCh)
	return true, c.readPump(connCtx, conn)
}

// writePump owns all socket writes: queued frames and the periodic ping.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutting down"))
			return

		case data := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Tunnel write failed")
				conn.Close()
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readPump blocks reading frames until the connection fails.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	limiter := make(chan struct{}, maxConcurrentRequests)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read tunnel frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsLivenessWindow))
		c.handleFrame(ctx, data, limiter)
	}
}

// handleFrame routes one inbound frame. Relayed requests run concurrently,
// bounded by the limiter; everything else is handled inline.
func (c *Client) handleFrame(ctx context.Context, data []byte, limiter chan struct{}) {
	frameType, err := protocol.PeekType(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping undecodable relay frame")
		return
	}

	switch frameType {
	case protocol.TypeHTTPRequest:
		var req protocol.HTTPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed http_request frame")
			return
		}
		select {
		case limiter <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-limiter }()
			c.handleRequest(ctx, &req)
		}()

	case protocol.TypeTerminalInput:
		var in protocol.TerminalInput
		if err := json.Unmarshal(data, &in); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed terminal_input frame")
			return
		}
		if c.onTerminalInput != nil {
			c.onTerminalInput(in.SessionID, in.Data)
		}

	case protocol.TypeAgentEvent:
		var frame protocol.AgentEventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed agent_event frame")
			return
		}
		event, err := agentevent.Decode(frame.Event)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", frame.SessionID).Msg("Dropping invalid agent event")
			return
		}
		if c.onAgentEvent != nil {
			c.onAgentEvent(frame.SessionID, event)
		}

	default:
		c.logger.Debug().Str("frame_type", frameType).Msg("Ignoring unknown relay frame type")
	}
}

// handleRequest dispatches one relayed request and sends the response frame.
func (c *Client) handleRequest(ctx context.Context, req *protocol.HTTPRequest) {
	var resp *protocol.HTTPResponse
	if c.dispatcher != nil {
		resp = c.dispatcher.Dispatch(ctx, req)
	} else {
		resp = &protocol.HTTPResponse{StatusCode: 501}
	}
	resp.Type = protocol.TypeHTTPResponse
	resp.RequestID = req.RequestID
	if err := c.sendFrame(resp); err != nil {
		c.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Msg("Failed to send response frame")
	}
}
