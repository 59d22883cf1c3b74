package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rbarinov/echoshell/internal/logging"
	"github.com/rbarinov/echoshell/internal/protocol"
)

// handleRelayedRequest forwards /api/{tunnelId}/{path...} over the tunnel
// WebSocket and blocks until the laptop answers, the timeout fires, or the
// caller gives up.
func (s *Server) handleRelayedRequest(w http.ResponseWriter, r *http.Request) {
	tunnelID, path := splitTunnelPath(strings.TrimPrefix(r.URL.Path, "/api/"))
	if tunnelID == "" {
		writeError(w, http.StatusNotFound, CodeTunnelNotFound, "missing tunnel id")
		return
	}

	if _, ok := s.registry.Lookup(tunnelID); !ok {
		metricRelayedRequests.WithLabelValues(outcomeNotFound).Inc()
		writeError(w, http.StatusNotFound, CodeTunnelNotFound, "tunnel not found")
		return
	}
	if !s.authorizeStreamClient(r, tunnelID) {
		metricRelayedRequests.WithLabelValues(outcomeAuthFailed).Inc()
		writeError(w, http.StatusUnauthorized, CodeTunnelAuthError, "client authorization failed")
		return
	}
	conn, ok := s.registry.Conn(tunnelID)
	if !ok {
		metricRelayedRequests.WithLabelValues(outcomeTunnelDown).Inc()
		writeError(w, http.StatusServiceUnavailable, CodeTunnelConnectionError, "tunnel is not connected")
		return
	}
	tc, ok := conn.(*tunnelConn)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}

	frame, err := buildRequestFrame(r, path)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unreadable request body")
		return
	}

	s.logger.Debug().
		Str("tunnel_id", tunnelID).
		Str("request_id", frame.RequestID).
		Str("method", frame.Method).
		Str("path", frame.Path).
		Interface("headers", logging.RedactMap(frame.Headers)).
		Interface("query", logging.RedactMap(frame.Query)).
		Msg("Relaying request")

	waiter := s.pending.Add(frame.RequestID, tunnelID)
	if waiter == nil {
		writeError(w, http.StatusServiceUnavailable, CodeTunnelConnectionError, "relay is shutting down")
		return
	}
	metricPendingRequests.Set(float64(s.pending.Len()))

	payload, err := protocol.Marshal(frame)
	if err != nil {
		s.pending.Remove(frame.RequestID)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}
	if err := tc.Send(payload); err != nil {
		s.pending.Remove(frame.RequestID)
		metricRelayedRequests.WithLabelValues(outcomeTunnelDown).Inc()
		writeError(w, http.StatusServiceUnavailable, CodeTunnelConnectionError, "tunnel is not accepting requests")
		return
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		metricPendingRequests.Set(float64(s.pending.Len()))
		if !ok || resp == nil {
			metricRelayedRequests.WithLabelValues(outcomeTunnelDown).Inc()
			writeError(w, http.StatusServiceUnavailable, CodeTunnelConnectionError, "tunnel disconnected before responding")
			return
		}
		metricRelayedRequests.WithLabelValues(outcomeOK).Inc()
		writeRelayedResponse(w, resp)

	case <-timer.C:
		s.pending.Remove(frame.RequestID)
		metricPendingRequests.Set(float64(s.pending.Len()))
		metricRelayedRequests.WithLabelValues(outcomeTimeout).Inc()
		s.logger.Warn().
			Str("tunnel_id", tunnelID).
			Str("request_id", frame.RequestID).
			Dur("timeout", s.cfg.RequestTimeout).
			Msg("Relayed request timed out")
		writeError(w, http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream did not respond in time")

	case <-r.Context().Done():
		s.pending.Remove(frame.RequestID)
		metricPendingRequests.Set(float64(s.pending.Len()))
		metricRelayedRequests.WithLabelValues(outcomeCancelled).Inc()
	}
}

// splitTunnelPath separates the tunnel id from the remaining local path and
// normalizes the path: a leading slash, duplicate slashes collapsed.
func splitTunnelPath(rest string) (tunnelID, path string) {
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return "", ""
	}
	tunnelID, path, _ = strings.Cut(rest, "/")
	var b strings.Builder
	b.WriteByte('/')
	lastSlash := true
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if lastSlash {
				continue
			}
			lastSlash = true
		} else {
			lastSlash = false
		}
		b.WriteByte(path[i])
	}
	return tunnelID, b.String()
}

// buildRequestFrame captures the mobile request as a tunnel frame. JSON
// bodies travel as-is; anything else is wrapped in a JSON string so the
// frame stays a single text message.
func buildRequestFrame(r *http.Request, path string) (*protocol.HTTPRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	frame := &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: uuid.NewString(),
		Method:    r.Method,
		Path:      path,
		Headers:   headers,
		Query:     query,
	}
	if len(body) > 0 {
		if json.Valid(body) {
			frame.Body = json.RawMessage(body)
		} else {
			wrapped, err := json.Marshal(string(body))
			if err != nil {
				return nil, err
			}
			frame.Body = wrapped
		}
	}
	return frame, nil
}

// writeRelayedResponse mirrors the laptop's answer back to the mobile caller.
func writeRelayedResponse(w http.ResponseWriter, resp *protocol.HTTPResponse) {
	w.Header().Set("Content-Type", "application/json")
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
