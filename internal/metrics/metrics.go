// Package metrics provides Prometheus instrumentation for the proctor monitor.
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
			Namespace: "proctor",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proctor",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts canonical events accepted into session queues.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "events_ingested_total",
			Help:      "Total events ingested by canonical event type.",
		},
		[]string{"type"},
	)

	// MalformedEventsTotal counts events rejected at ingress.
	MalformedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "malformed_events_total",
		Help:      "Total raw events rejected by normalization.",
	})

	// ViolationsTotal counts violations by kind.
	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "violations_total",
			Help:      "Total violations recorded by kind.",
		},
		[]string{"kind"},
	)

	// DetectorFaultsTotal counts isolated detector failures by detector name.
	DetectorFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "detector_faults_total",
			Help:      "Total detector panics converted to faults, by detector.",
		},
		[]string{"detector"},
	)

	// BackpressureRejectedTotal counts events rejected because a session queue was full.
	BackpressureRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "backpressure_rejected_total",
		Help:      "Total events rejected due to a full session queue.",
	})

	// LateEventsTotal counts events applied outside the lateness window.
	LateEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "late_events_total",
		Help:      "Total events applied out of order after the lateness window.",
	})

	// ActiveSessions tracks sessions currently held in memory.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctor",
			Name:      "active_sessions",
			Help:      "Number of sessions currently tracked in memory.",
		},
	)

	// SessionsEvictedTotal counts idle sessions removed by the sweep.
	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "sessions_evicted_total",
		Help:      "Total idle sessions evicted from memory.",
	})

	// SessionsRebuiltTotal counts sessions reconstructed from the store.
	SessionsRebuiltTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "sessions_rebuilt_total",
		Help:      "Total sessions rebuilt by replaying store history.",
	})

	// AssessmentsTotal counts risk assessments by classification.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "assessments_total",
			Help:      "Total risk assessments produced by classification.",
		},
		[]string{"classification"},
	)

	// AlertsTotal counts escalation alerts by classification reached.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "alerts_total",
			Help:      "Total escalation alerts emitted by classification.",
		},
		[]string{"classification"},
	)

	// StoreRequestsTotal counts session store requests by result.
	StoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "store_requests_total",
			Help:      "Total session store requests by result.",
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctor",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctor",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// SessionQueueDepth observes per-session queue occupancy at enqueue time.
	SessionQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "session_queue_depth",
		Help:      "Session queue occupancy sampled when events are enqueued.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})

	// EventApplyDuration observes per-event detector pipeline latency.
	EventApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "event_apply_duration_seconds",
		Help:      "Time to apply one event through the detector pipeline.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		MalformedEventsTotal,
		ViolationsTotal,
		DetectorFaultsTotal,
		BackpressureRejectedTotal,
		LateEventsTotal,
		ActiveSessions,
		SessionsEvictedTotal,
		SessionsRebuiltTotal,
		AssessmentsTotal,
		AlertsTotal,
		StoreRequestsTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		SessionQueueDepth,
		EventApplyDuration,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
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
