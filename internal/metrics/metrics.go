// Package metrics exposes Prometheus instrumentation, served on /metrics
// when [server] metrics is enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filedav",
		Name:      "http_requests_total",
		Help:      "Handled HTTP requests by method and status code.",
	}, []string{"method", "code"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filedav",
		Name:      "http_request_duration_seconds",
		Help:      "Request handling latency by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedav",
		Name:      "auth_failures_total",
		Help:      "Rejected login attempts.",
	})

	StorageHookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedav",
		Name:      "storage_hook_failures_total",
		Help:      "Storage hook invocations that exited non-zero.",
	})

	SyncTokenMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedav",
		Name:      "sync_token_misses_total",
		Help:      "sync-collection reports presenting an unknown or evicted token.",
	})
)

func Handler() http.Handler { return promhttp.Handler() }
