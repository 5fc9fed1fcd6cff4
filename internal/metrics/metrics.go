// Package metrics 定义客户端与参考服务端共用的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 客户端会话指标
	SocketDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zchat_socket_dials_total",
			Help: "Total realtime connection attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zchat_socket_reconnects_total",
			Help: "Total scheduled reconnect attempts",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zchat_socket_auth_failures_total",
			Help: "Total in-band authentication rejections",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zchat_socket_frames_dropped_total",
			Help: "Inbound frames dropped without closing the connection",
		},
		[]string{"reason"}, // "malformed", "unexpected", "ignored"
	)

	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zchat_timeline_reconcile_total",
			Help: "Confirmed messages by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	StaleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zchat_session_stale_results_total",
			Help: "Results discarded because the room is no longer active",
		},
		[]string{"source"}, // "history"、"socket" 或 "directory"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zchat_socket_sessions_active",
			Help: "Socket sessions currently running",
		},
	)

	// 参考服务端指标
	ServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zchat_server_connections",
			Help: "Authenticated realtime connections on the reference server",
		},
	)

	ServerMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zchat_server_messages_total",
			Help: "Messages accepted by the reference server",
		},
	)

	ServerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zchat_server_request_duration_seconds",
			Help:    "Reference server HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)
)
