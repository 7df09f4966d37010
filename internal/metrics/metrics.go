// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_tx_enqueued_total",
		Help: "Transactions accepted into the queue.",
	})
	TxReceipted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_tx_receipted_total",
		Help: "Transactions acknowledged by the primary.",
	})
	TxReceiptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_tx_receipt_errors_total",
		Help: "Receipts that reported apply errors.",
	})
	ContextExports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_context_exports_total",
		Help: "Context exports stored as a new version.",
	})
	BridgeJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_bridge_jobs_total",
		Help: "Jobs written to the worker queue.",
	})
	BridgeResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_bridge_responses_total",
		Help: "Worker responses processed.",
	})
	BridgeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexd_bridge_errors_total",
		Help: "Worker responses rejected or expired.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codexd_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		httpDuration.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(sw.status),
		).Observe(time.Since(start).Seconds())
	})
}
