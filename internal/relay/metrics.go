package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTunnelsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echoshell_relay_tunnels_connected",
		Help: "Number of tunnels with a live WebSocket connection.",
	})

	metricPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echoshell_relay_pending_requests",
		Help: "Relayed HTTP requests currently awaiting an http_response frame.",
	})

	metricRelayedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echoshell_relay_requests_total",
		Help: "Relayed HTTP requests by outcome.",
	}, []string{"outcome"})

	metricTunnelFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echoshell_relay_tunnel_frames_total",
		Help: "Frames received on tunnel WebSockets by type.",
	}, []string{"type"})

	metricStreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "echoshell_relay_stream_subscribers",
		Help: "Live stream subscribers by kind.",
	}, []string{"kind"})
)

// Relayed request outcomes.
const (
	outcomeOK         = "ok"
	outcomeNotFound   = "not_found"
	outcomeAuthFailed = "auth_failed"
	outcomeTunnelDown = "tunnel_down"
	outcomeTimeout    = "timeout"
	outcomeCancelled  = "cancelled"
)
