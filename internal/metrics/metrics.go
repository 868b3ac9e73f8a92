// Package metrics provides Prometheus metrics for termgate monitoring:
// connection lifecycle, backpressure events, file streaming, auth failures,
// and the REST surface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for termgate.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connection metrics
	ConnectionsOpen        prometheus.Gauge
	ConnectionsClosedTotal *prometheus.CounterVec

	// Auth metrics
	AuthFailuresTotal *prometheus.CounterVec

	// Backpressure metrics
	PTYPausesTotal  prometheus.Counter
	PTYResumesTotal prometheus.Counter

	// File-stream metrics
	FileStreamsTotal     *prometheus.CounterVec
	FileStreamBytesTotal prometheus.Counter

	// Multiplexer metrics
	SessionsCreatedTotal prometheus.Counter
	SessionsReapedTotal  prometheus.Counter
}

// Get returns the singleton Metrics instance, registering all collectors
// on first call.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "termgate",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method and route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ConnectionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "termgate",
				Name:      "connections_open",
				Help:      "Currently open WebSocket connections",
			},
		),
		ConnectionsClosedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "connections_closed_total",
				Help:      "Closed WebSocket connections by close code",
			},
			[]string{"code"},
		),
		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "auth_failures_total",
				Help:      "Authentication failures by reason",
			},
			[]string{"reason"},
		),
		PTYPausesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "pty_pauses_total",
				Help:      "Times a PTY was paused because the socket crossed the high watermark",
			},
		),
		PTYResumesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "pty_resumes_total",
				Help:      "Times a paused PTY was resumed after the socket drained",
			},
		),
		FileStreamsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "file_streams_total",
				Help:      "File streams by outcome (completed, cancelled, error)",
			},
			[]string{"outcome"},
		),
		FileStreamBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "file_stream_bytes_total",
				Help:      "Total bytes sent over the file-stream subprotocol",
			},
		),
		SessionsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "sessions_created_total",
				Help:      "Multiplexer sessions created by this process",
			},
		),
		SessionsReapedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "termgate",
				Name:      "sessions_reaped_total",
				Help:      "Multiplexer sessions killed by the stale-session reaper",
			},
		),
	}
}
