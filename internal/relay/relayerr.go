package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Stable error codes surfaced to callers. Codes are part of the wire
// contract with mobile clients and must not change.
const (
	CodeTunnelNotFound        = "TUNNEL_NOT_FOUND"
	CodeTunnelAuthError       = "TUNNEL_AUTH_ERROR"
	CodeTunnelConnectionError = "TUNNEL_CONNECTION_ERROR"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUpstreamTimeout       = "UPSTREAM_TIMEOUT"
	CodeInternalError         = "INTERNAL_ERROR"
)

// apiError is the JSON error body: {"error": code, "message": text}.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}
