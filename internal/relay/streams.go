package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rbarinov/echoshell/internal/agentevent"
	"github.com/rbarinov/echoshell/internal/fanout"
	"github.com/rbarinov/echoshell/internal/protocol"
)

// splitStreamPath parses /{prefix}/{tunnelId}/{sessionId}/stream.
func splitStreamPath(r *http.Request, prefix string) (tunnelID, sessionID string, ok bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] != "stream" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// checkStreamAccess runs the shared gate for every stream endpoint: the
// tunnel must exist and the caller must pass the tunnel's client auth key.
func (s *Server) checkStreamAccess(w http.ResponseWriter, r *http.Request, tunnelID string) bool {
	if _, ok := s.registry.Lookup(tunnelID); !ok {
		writeError(w, http.StatusNotFound, CodeTunnelNotFound, "tunnel not found")
		return false
	}
	if !s.authorizeStreamClient(r, tunnelID) {
		writeError(w, http.StatusUnauthorized, CodeTunnelAuthError, "client authorization failed")
		return false
	}
	return true
}

// handleTerminalStream upgrades /terminal/{tunnelId}/{sessionId} and fans
// terminal output to the subscriber. Inbound "input" messages are forwarded
// to the laptop as terminal_input frames.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := splitStreamPath(r, "/terminal/")
	if !ok {
		writeError(w, http.StatusNotFound, CodeInvalidRequest, "expected /terminal/{tunnelId}/{sessionId}/stream")
		return
	}
	if !s.checkStreamAccess(w, r, tunnelID) {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Terminal stream upgrade failed")
		return
	}

	logger := s.logger.With().
		Str("tunnel_id", tunnelID).
		Str("session_id", sessionID).
		Str("stream", "terminal").
		Logger()
	sub := fanout.NewWSSubscriber(ws, logger)
	key := streamKey(fanout.KindTerminal, tunnelID, sessionID)
	s.hub.Subscribe(fanout.KindTerminal, key, sub)
	metricStreamSubscribers.WithLabelValues(string(fanout.KindTerminal)).Inc()
	defer func() {
		s.hub.Unsubscribe(fanout.KindTerminal, key, sub)
		metricStreamSubscribers.WithLabelValues(string(fanout.KindTerminal)).Dec()
		sub.Shutdown()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		sub.Touch()
		s.forwardTerminalInput(logger, tunnelID, sessionID, data)
	}
}

// forwardTerminalInput relays a subscriber's keystrokes to the laptop. Sent
// best effort: input for a disconnected tunnel is dropped.
func (s *Server) forwardTerminalInput(logger zerolog.Logger, tunnelID, sessionID string, data []byte) {
	var in protocol.TerminalStreamInput
	if err := json.Unmarshal(data, &in); err != nil || in.Type != protocol.TypeInput {
		logger.Debug().Msg("Ignoring non-input terminal stream message")
		return
	}
	payload, err := protocol.Marshal(protocol.TerminalInput{
		Type:      protocol.TypeTerminalInput,
		SessionID: sessionID,
		Data:      in.Data,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode terminal_input frame")
		return
	}
	conn, ok := s.registry.Conn(tunnelID)
	if !ok {
		logger.Debug().Msg("Dropping terminal input, tunnel not connected")
		return
	}
	if tc, ok := conn.(*tunnelConn); ok {
		if err := tc.Send(payload); err != nil {
			logger.Debug().Err(err).Msg("Dropping terminal input, tunnel send failed")
		}
	}
}

// handleRecordingStream serves /recording/{tunnelId}/{sessionId} as either a
// WebSocket or an SSE stream, chosen by the request's upgrade headers.
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := splitStreamPath(r, "/recording/")
	if !ok {
		writeError(w, http.StatusNotFound, CodeInvalidRequest, "expected /recording/{tunnelId}/{sessionId}/stream")
		return
	}
	if !s.checkStreamAccess(w, r, tunnelID) {
		return
	}

	key := streamKey(fanout.KindRecording, tunnelID, sessionID)
	logger := s.logger.With().
		Str("tunnel_id", tunnelID).
		Str("session_id", sessionID).
		Str("stream", "recording").
		Logger()

	if websocket.IsWebSocketUpgrade(r) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("Recording stream upgrade failed")
			return
		}
		sub := fanout.NewWSSubscriber(ws, logger)
		s.hub.Subscribe(fanout.KindRecording, key, sub)
		metricStreamSubscribers.WithLabelValues(string(fanout.KindRecording)).Inc()
		defer func() {
			s.hub.Unsubscribe(fanout.KindRecording, key, sub)
			metricStreamSubscribers.WithLabelValues(string(fanout.KindRecording)).Dec()
			sub.Shutdown()
		}()

		// Subscribers do not send application data on this stream; the read
		// loop only feeds liveness and notices disconnects.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			sub.Touch()
		}
	}

	s.serveSSE(w, r, fanout.KindRecording, key, logger)
}

// handleAgentStream serves /agent/{tunnelId}/{sessionId}. WebSocket
// subscribers may also send agent events upstream; SSE subscribers are
// receive only.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := splitStreamPath(r, "/agent/")
	if !ok {
		writeError(w, http.StatusNotFound, CodeInvalidRequest, "expected /agent/{tunnelId}/{sessionId}/stream")
		return
	}
	if !s.checkStreamAccess(w, r, tunnelID) {
		return
	}

	key := streamKey(fanout.KindAgent, tunnelID, sessionID)
	logger := s.logger.With().
		Str("tunnel_id", tunnelID).
		Str("session_id", sessionID).
		Str("stream", "agent").
		Logger()

	if websocket.IsWebSocketUpgrade(r) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("Agent stream upgrade failed")
			return
		}
		sub := fanout.NewWSSubscriber(ws, logger)
		s.hub.Subscribe(fanout.KindAgent, key, sub)
		metricStreamSubscribers.WithLabelValues(string(fanout.KindAgent)).Inc()
		defer func() {
			s.hub.Unsubscribe(fanout.KindAgent, key, sub)
			metricStreamSubscribers.WithLabelValues(string(fanout.KindAgent)).Dec()
			sub.Shutdown()
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			sub.Touch()
			s.forwardAgentEvent(logger, tunnelID, sessionID, data)
		}
	}

	s.serveSSE(w, r, fanout.KindAgent, key, logger)
}

// forwardAgentEvent validates an inbound event envelope and relays it to the
// laptop. Invalid envelopes are rejected silently so a buggy client cannot
// poison the tunnel.
func (s *Server) forwardAgentEvent(logger zerolog.Logger, tunnelID, sessionID string, data []byte) {
	if _, err := agentevent.Decode(data); err != nil {
		logger.Warn().Err(err).Msg("Rejecting invalid inbound agent event")
		return
	}
	payload, err := protocol.Marshal(protocol.AgentEventFrame{
		Type:      protocol.TypeAgentEvent,
		SessionID: sessionID,
		Event:     json.RawMessage(data),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode agent_event frame")
		return
	}
	conn, ok := s.registry.Conn(tunnelID)
	if !ok {
		logger.Debug().Msg("Dropping agent event, tunnel not connected")
		return
	}
	if tc, ok := conn.(*tunnelConn); ok {
		if err := tc.Send(payload); err != nil {
			logger.Debug().Err(err).Msg("Dropping agent event, tunnel send failed")
		}
	}
}

// serveSSE subscribes the response writer as an SSE sink and blocks until
// the client goes away or the hub shuts the subscriber down.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, kind fanout.Kind, key string, logger zerolog.Logger) {
	sub, err := fanout.NewSSESubscriber(w, kind.EventName())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return
	}
	s.hub.Subscribe(kind, key, sub)
	metricStreamSubscribers.WithLabelValues(string(kind)).Inc()
	defer func() {
		s.hub.Unsubscribe(kind, key, sub)
		metricStreamSubscribers.WithLabelValues(string(kind)).Dec()
		sub.Shutdown()
	}()

	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}
}
