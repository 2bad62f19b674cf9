// Package metrics provides Prometheus instrumentation for the routing engine.
package metrics

import (
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
			Namespace: "aegis",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RoutedTransactionsTotal counts routing decisions by outcome
	// (forwarded, fallback, requeued, dropped).
	RoutedTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "routed_transactions_total",
			Help:      "Total routed payment requests by outcome.",
		},
		[]string{"outcome"},
	)

	// RecoveryItemsTotal counts recovery pipeline decisions by outcome
	// (forwarded, unstaked, requeued, dead_lettered).
	RecoveryItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "recovery_items_total",
			Help:      "Total recovery items processed by outcome.",
		},
		[]string{"outcome"},
	)

	// FallbackPaymentsTotal counts fallback payment runs by final status.
	FallbackPaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "fallback_payments_total",
			Help:      "Total fallback payment runs by status.",
		},
		[]string{"status"},
	)

	// DebtRepaymentsTotal counts debt repayment batches by final status.
	DebtRepaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "debt_repayments_total",
			Help:      "Total debt repayment batches by status.",
		},
		[]string{"status"},
	)

	// RailStatus tracks the last observed status per rail
	// (1 = up, 0 = down, -1 = unknown).
	RailStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Name:      "rail_status",
			Help:      "Last observed rail status (1 up, 0 down, -1 unknown).",
		},
		[]string{"rail"},
	)

	// WorkerRestartsTotal counts supervisor-initiated worker restarts.
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "worker_restarts_total",
			Help:      "Total worker restarts by worker name.",
		},
		[]string{"worker"},
	)

	// QueueDepth tracks the current depth of each work queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Name:      "queue_depth",
			Help:      "Current number of items in each work queue.",
		},
		[]string{"queue"},
	)

	// LedgerCallsTotal counts ledger gateway calls by operation and result.
	LedgerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "ledger_calls_total",
			Help:      "Total ledger gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RoutedTransactionsTotal,
		RecoveryItemsTotal,
		FallbackPaymentsTotal,
		DebtRepaymentsTotal,
		RailStatus,
		WorkerRestartsTotal,
		QueueDepth,
		LedgerCallsTotal,
		GoroutineCount,
	)
}

// ObserveRail records a rail status sample on the RailStatus gauge.
func ObserveRail(rail string, status string) {
	var v float64
	switch status {
	case "up":
		v = 1
	case "down":
		v = 0
	default:
		v = -1
	}
	RailStatus.WithLabelValues(rail).Set(v)
}

// StartRuntimeCollector periodically samples the goroutine count.
// Call in a goroutine; exits when the stop channel closes.
func StartRuntimeCollector(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
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
