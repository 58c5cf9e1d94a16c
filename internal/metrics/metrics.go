// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerActions counts lifecycle actions by name (start, stop, restart,
	// kill, command, create, delete).
	ServerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hightd_server_actions_total",
		Help: "Lifecycle actions processed, by action name.",
	}, []string{"action"})

	// ConsoleSessions tracks live console websocket sessions.
	ConsoleSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hightd_console_sessions",
		Help: "Open console websocket sessions.",
	})

	// SFTPSessions tracks live authenticated SFTP sessions.
	SFTPSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hightd_sftp_sessions",
		Help: "Open SFTP sessions.",
	})

	// HTTPRequests counts control-plane requests by method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hightd_http_requests_total",
		Help: "Control API requests, by method and status code.",
	}, []string{"method", "status"})
)

// RegisterServerGauges wires the managed/running server gauges to live
// registry lookups so the counts never drift.
func RegisterServerGauges(managed, running func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hightd_servers_managed",
		Help: "Servers registered on this node.",
	}, managed)
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hightd_servers_running",
		Help: "Servers with a running container.",
	}, running)
}
