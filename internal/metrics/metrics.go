// Package metrics provides Prometheus instrumentation for the Quay platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by type and outcome.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by transition type and outcome.",
		},
		[]string{"transition", "outcome"},
	)

	// TransfersTotal counts fund-movement attempts by backend and result.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "transfers_total",
			Help:      "Fund transfer attempts by provider backend and result.",
		},
		[]string{"backend", "result"},
	)

	// TransferDuration observes provider transfer latency by backend.
	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quay",
			Name:      "transfer_duration_seconds",
			Help:      "Provider transfer call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// DisputesResolvedTotal counts dispute resolutions by mode and outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "disputes_resolved_total",
			Help:      "Dispute resolutions by resolution mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// SweepRunsTotal counts background sweep executions by sweep name and result.
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "sweep_runs_total",
			Help:      "Background sweep executions by sweep and result.",
		},
		[]string{"sweep", "result"},
	)

	// StuckSplitsGauge tracks split resolutions with one completed leg awaiting retry.
	StuckSplitsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quay",
		Name:      "stuck_split_resolutions",
		Help:      "Split resolutions with exactly one completed transfer leg.",
	})

	// NotificationsTotal counts notification deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quay",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// EscrowDuration observes time from escrow creation to terminal state.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quay",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal state in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quay",
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected with 429 by the rate limiter.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		TransfersTotal,
		TransferDuration,
		DisputesResolvedTotal,
		SweepRunsTotal,
		StuckSplitsGauge,
		NotificationsTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		EscrowDuration,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// statusBucket groups status codes into classes (2xx, 4xx, ...).
func statusBucket(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns the Prometheus metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
