// Package metrics provides Prometheus instrumentation for the pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status bucket.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsScored counts pre-scored transactions by decision.
	TransactionsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "transactions_scored_total",
			Help:      "Total transactions pre-scored by decision.",
		},
		[]string{"decision"},
	)

	// BatchesTotal counts confirmation batches by terminal status.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "batches_total",
			Help:      "Total confirmation batches by status.",
		},
		[]string{"status"},
	)

	// BatchRetriesTotal counts retried model calls.
	BatchRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "batch_retries_total",
		Help:      "Total retried confirmation batch attempts.",
	})

	// BatchDuration observes batch wall time.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "batch_duration_seconds",
		Help:      "Confirmation batch duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 700},
	})

	// TokensTotal counts model tokens by kind (prompt, completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "tokens_total",
			Help:      "Total model tokens by kind.",
		},
		[]string{"kind"},
	)

	// FraudsConfirmedTotal counts frauds newly written to the journal.
	FraudsConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "frauds_confirmed_total",
		Help:      "Total frauds confirmed by the agent.",
	})

	// ToolCallsTotal counts tool invocations by tool name.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "tool_calls_total",
			Help:      "Total agent tool calls by tool.",
		},
		[]string{"tool"},
	)

	// ResponseCacheTotal counts response cache lookups by result (hit, miss).
	ResponseCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "response_cache_total",
			Help:      "Model response cache lookups by result.",
		},
		[]string{"result"},
	)

	// ActiveBatches tracks batches currently running.
	ActiveBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "active_batches",
		Help:      "Number of confirmation batches currently running.",
	})

	// DatasetTransactions tracks the size of the active dataset.
	DatasetTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "dataset_transactions",
		Help:      "Number of transactions in the active dataset.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsScored,
		BatchesTotal,
		BatchRetriesTotal,
		BatchDuration,
		TokensTotal,
		FraudsConfirmedTotal,
		ToolCallsTotal,
		ResponseCacheTotal,
		ActiveBatches,
		DatasetTransactions,
	)
}

// Middleware records request metrics under the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern, not actual path (avoids cardinality explosion)
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
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
