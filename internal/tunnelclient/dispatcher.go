package tunnelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rbarinov/echoshell/internal/protocol"
)

const localRequestTimeout = 55 * time.Second

// HTTPDispatcher forwards relayed requests to a local HTTP server, typically
// the agent's own API listening on loopback.
type HTTPDispatcher struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPDispatcher creates a dispatcher for a local address such as
// "127.0.0.1:3001". The per-request timeout stays below the relay's own
// deadline so the relay sees an answer rather than a timeout.
func NewHTTPDispatcher(localAddr string, logger zerolog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: "http://" + localAddr,
		client:  &http.Client{Timeout: localRequestTimeout},
		logger:  logger,
	}
}

// Dispatch executes the relayed request against the local server. Failures
// never propagate as errors; they become gateway-style response frames.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *protocol.HTTPRequest) *protocol.HTTPResponse {
	target := d.baseURL + req.Path
	if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(requestBody(req)))
	if err != nil {
		d.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to build local request")
		return errorResponse(http.StatusBadGateway, "failed to build local request")
	}
	for name, value := range req.Headers {
		switch name {
		case "Host", "Content-Length", "Connection":
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Str("path", req.Path).
			Msg("Local request failed")
		return errorResponse(http.StatusBadGateway, "local server unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(http.StatusBadGateway, "failed to read local response")
	}

	out := &protocol.HTTPResponse{StatusCode: resp.StatusCode}
	if len(body) > 0 {
		if json.Valid(body) {
			out.Body = json.RawMessage(body)
		} else {
			wrapped, err := json.Marshal(string(body))
			if err != nil {
				return errorResponse(http.StatusBadGateway, "failed to encode local response")
			}
			out.Body = wrapped
		}
	}
	return out
}

// requestBody unwraps the frame body: JSON strings were wrapped at the relay
// and carry raw text; everything else is forwarded verbatim.
func requestBody(req *protocol.HTTPRequest) []byte {
	if len(req.Body) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(req.Body, &text); err == nil {
		return []byte(text)
	}
	return req.Body
}

func errorResponse(status int, message string) *protocol.HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &protocol.HTTPResponse{StatusCode: status, Body: body}
}
