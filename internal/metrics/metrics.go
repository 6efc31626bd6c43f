// Package metrics provides Prometheus instrumentation for the KoboHold platform.
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
			Namespace: "kobohold",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kobohold",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by resulting status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kobohold",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowRejectionsTotal counts refused transition attempts by reason.
	EscrowRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kobohold",
			Name:      "escrow_rejections_total",
			Help:      "Total refused escrow transitions by reason.",
		},
		[]string{"reason"},
	)

	// GatewayCapturesTotal counts payment gateway capture webhooks by result.
	GatewayCapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kobohold",
			Name:      "gateway_captures_total",
			Help:      "Total gateway capture webhooks by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kobohold",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobohold", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Escrow lifecycle metrics ---

	EscrowOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobohold",
		Name:      "escrow_opened_total",
		Help:      "Total escrows opened.",
	})

	EscrowConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobohold",
		Name:      "escrow_confirmed_total",
		Help:      "Total escrows confirmed (funds released to host).",
	})

	EscrowExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobohold",
		Name:      "escrow_expired_total",
		Help:      "Total payment requests that lapsed without confirmation.",
	})

	EscrowRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobohold",
		Name:      "escrow_refunded_total",
		Help:      "Total escrows refunded to the guest.",
	})

	EscrowConfirmLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kobohold",
		Name:      "escrow_confirm_latency_seconds",
		Help:      "Time from payment request to guest confirmation in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 90, 120},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowRejectionsTotal,
		GatewayCapturesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		EscrowOpenedTotal,
		EscrowConfirmedTotal,
		EscrowExpiredTotal,
		EscrowRefundedTotal,
		EscrowConfirmLatency,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
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
