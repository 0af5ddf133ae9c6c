package connect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"
)

var requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "duckconnect_requests_total",
	Help: "Total number of actions handled, by action and result code",
}, []string{"action", "code"})

var queryDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "duckconnect_query_duration_seconds",
	Help:    "Time from plan receipt to the metrics trailer for queries",
	Buckets: prometheus.DefBuckets,
})

var batchesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "duckconnect_arrow_batches_sent_total",
	Help: "Number of Arrow batches streamed to clients",
})

var rowsSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "duckconnect_rows_sent_total",
	Help: "Number of rows streamed to clients",
})

var bytesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "duckconnect_arrow_bytes_sent_total",
	Help: "Arrow IPC payload bytes streamed to clients",
})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "duckconnect_errors_total",
	Help: "Errors returned to clients, by gRPC code",
}, []string{"code"})

var contextsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "duckconnect_execution_contexts_active",
	Help: "Number of cached execution contexts",
})

var contextsEvictedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "duckconnect_execution_contexts_evicted_total",
	Help: "Number of execution contexts evicted, by reason",
}, []string{"reason"})

// ObserveContexts records the registry size. It is a sessions.Hooks callback.
func ObserveContexts(count int) {
	if count < 0 {
		count = 0
	}
	contextsGauge.Set(float64(count))
}

// ObserveContextsEvicted is a sessions.Hooks callback.
func ObserveContextsEvicted(reason string, count int) {
	if count <= 0 {
		return
	}
	contextsEvictedCounter.WithLabelValues(reason).Add(float64(count))
}

func observeRequest(action string, code codes.Code) {
	requestsCounter.WithLabelValues(action, code.String()).Inc()
}

func observeError(code codes.Code) {
	errorsCounter.WithLabelValues(code.String()).Inc()
}

func observeBatch(rows int64, bytes int) {
	batchesSentCounter.Inc()
	rowsSentCounter.Add(float64(rows))
	bytesSentCounter.Add(float64(bytes))
}

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "duckconnect_auth_failures_total",
	Help: "Requests rejected for a wrong bearer token",
})
