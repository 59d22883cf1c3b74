package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rbarinov/echoshell/internal/agentevent"
	"github.com/rbarinov/echoshell/internal/fanout"
	"github.com/rbarinov/echoshell/internal/protocol"
	"github.com/rbarinov/echoshell/internal/registry"
)

const (
	tunnelSendBuffer = 256
	tunnelWriteWait  = 10 * time.Second
)

var errTunnelBacklogged = errors.New("tunnel send buffer full")

// tunnelConn is the laptop side of one tunnel. All writes to the socket go
// through the send channel and the write pump; the read loop lives in
// handleTunnelSocket.
type tunnelConn struct {
	tunnelID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   zerolog.Logger

	pingInterval   time.Duration
	livenessWindow time.Duration

	lastActivity atomic.Int64 // unix nano of last pong or inbound frame
}

func newTunnelConn(tunnelID string, conn *websocket.Conn, pingInterval, livenessWindow time.Duration, logger zerolog.Logger) *tunnelConn {
	c := &tunnelConn{
		tunnelID:       tunnelID,
		conn:           conn,
		send:           make(chan []byte, tunnelSendBuffer),
		done:           make(chan struct{}),
		logger:         logger,
		pingInterval:   pingInterval,
		livenessWindow: livenessWindow,
	}
	c.touch()
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	go c.writePump()
	return c
}

// Send enqueues one frame without blocking the caller.
func (c *tunnelConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errors.New("tunnel connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errTunnelBacklogged
	}
}

// Close satisfies registry.Connection. Safe to call more than once.
func (c *tunnelConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.conn.SetWriteDeadline(time.Now().Add(tunnelWriteWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.conn.Close()
	})
}

// Done is closed when the connection is torn down.
func (c *tunnelConn) Done() <-chan struct{} {
	return c.done
}

func (c *tunnelConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// writePump serializes all socket writes: queued frames, the periodic ping
// and the liveness check. A laptop that stops answering pings is terminated
// so a later reconnect can attach cleanly.
func (c *tunnelConn) writePump() {
	pingTicker := time.NewTicker(c.pingInterval)
	livenessTicker := time.NewTicker(c.livenessWindow)
	defer func() {
		pingTicker.Stop()
		livenessTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(tunnelWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Str("tunnel_id", c.tunnelID).Msg("Tunnel write failed")
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(tunnelWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-livenessTicker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > c.livenessWindow {
				c.logger.Warn().Str("tunnel_id", c.tunnelID).Msg("Tunnel missed liveness window, terminating")
				c.Close(websocket.CloseGoingAway, "liveness timeout")
				return
			}
		}
	}
}

// streamKey scopes stream subscriptions to one session of one tunnel.
// Terminal streams use the bare {tunnelId}:{sessionId} pair; recording and
// agent streams carry their kind as a suffix so keys stay distinguishable in
// logs and metrics.
func streamKey(kind fanout.Kind, tunnelID, sessionID string) string {
	key := tunnelID + ":" + sessionID
	if kind == fanout.KindTerminal {
		return key
	}
	return key + ":" + string(kind)
}

// handleTunnelSocket authenticates a laptop and upgrades /tunnel/{id} to the
// persistent tunnel WebSocket. Authentication failures are reported before
// the upgrade so the laptop sees a regular HTTP status.
func (s *Server) handleTunnelSocket(w http.ResponseWriter, r *http.Request, tunnelID string) {
	apiKey := r.URL.Query().Get("api_key")
	if _, err := s.registry.Authenticate(tunnelID, apiKey); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, CodeTunnelNotFound, "tunnel not found")
		default:
			writeError(w, http.StatusUnauthorized, CodeTunnelAuthError, "invalid api key")
		}
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("tunnel_id", tunnelID).Msg("Tunnel upgrade failed")
		return
	}

	logger := s.logger.With().Str("tunnel_id", tunnelID).Logger()
	conn := newTunnelConn(tunnelID, ws, s.pingInterval, s.livenessWindow, logger)
	if err := s.registry.Attach(tunnelID, conn); err != nil {
		conn.Close(websocket.CloseInternalServerErr, "attach failed")
		return
	}
	metricTunnelsConnected.Set(float64(s.registry.LiveCount()))
	logger.Info().Msg("Tunnel connected")

	defer func() {
		conn.Close(websocket.CloseNormalClosure, "read loop ended")
		s.teardownTunnel(tunnelID, conn)
		metricTunnelsConnected.Set(float64(s.registry.LiveCount()))
		logger.Info().Msg("Tunnel disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Tunnel read error")
			}
			return
		}
		conn.touch()
		s.dispatchTunnelFrame(logger, tunnelID, data)
	}
}

// teardownTunnel detaches one connection's read loop. Pending requests are
// failed only when conn was still the live connection; a superseded
// connection's teardown must not touch waiters registered against its
// replacement.
func (s *Server) teardownTunnel(tunnelID string, conn registry.Connection) {
	if s.registry.Detach(tunnelID, conn) {
		s.pending.FailTunnel(tunnelID)
	}
}

// dispatchTunnelFrame routes one inbound tunnel frame by its type field.
// Malformed frames and unknown types are logged and dropped so one bad
// frame never takes the tunnel down.
func (s *Server) dispatchTunnelFrame(logger zerolog.Logger, tunnelID string, data []byte) {
	frameType, err := protocol.PeekType(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping undecodable tunnel frame")
		return
	}
	metricTunnelFrames.WithLabelValues(frameType).Inc()

	switch frameType {
	case protocol.TypeHTTPResponse:
		var resp protocol.HTTPResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed http_response frame")
			return
		}
		if !s.pending.Complete(resp.RequestID, &resp) {
			logger.Warn().Str("request_id", resp.RequestID).Msg("Response for unknown or expired request, discarding")
		}
		metricPendingRequests.Set(float64(s.pending.Len()))

	case protocol.TypeClientAuthKey:
		var frame protocol.ClientAuthKey
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed client_auth_key frame")
			return
		}
		if err := s.registry.SetClientAuthKey(tunnelID, frame.Key); err != nil {
			logger.Warn().Err(err).Msg("Failed to store client auth key")
			return
		}
		logger.Info().Msg("Client auth key registered")

	case protocol.TypeTerminalOutput:
		var out protocol.TerminalOutput
		if err := json.Unmarshal(data, &out); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed terminal_output frame")
			return
		}
		ts := out.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		payload, err := protocol.Marshal(protocol.TerminalStreamMessage{
			Type:      protocol.TypeOutput,
			SessionID: out.SessionID,
			Data:      out.Data,
			Timestamp: ts,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode terminal stream message")
			return
		}
		s.hub.Broadcast(fanout.KindTerminal, streamKey(fanout.KindTerminal, tunnelID, out.SessionID), payload)

	case protocol.TypeRecordingOutput:
		var rec protocol.RecordingOutput
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed recording_output frame")
			return
		}
		payload, err := protocol.Marshal(protocol.RecordingStreamMessage{
			Type:       protocol.TypeRecordingOutput,
			SessionID:  rec.SessionID,
			Text:       rec.Text,
			Delta:      rec.Delta,
			Raw:        rec.Raw,
			Timestamp:  rec.Timestamp,
			IsComplete: rec.IsComplete,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode recording stream message")
			return
		}
		s.hub.Broadcast(fanout.KindRecording, streamKey(fanout.KindRecording, tunnelID, rec.SessionID), payload)

	case protocol.TypeAgentEvent:
		var frame protocol.AgentEventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed agent_event frame")
			return
		}
		// Validate before fan-out so subscribers only ever see well-formed
		// envelopes.
		if _, err := agentevent.Decode(frame.Event); err != nil {
			logger.Warn().Err(err).Str("session_id", frame.SessionID).Msg("Dropping invalid agent event")
			return
		}
		s.hub.Broadcast(fanout.KindAgent, streamKey(fanout.KindAgent, tunnelID, frame.SessionID), frame.Event)

	default:
		logger.Debug().Str("frame_type", frameType).Msg("Ignoring unknown tunnel frame type")
	}
}
