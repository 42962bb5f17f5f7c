package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts operator API requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// StageRows counts rows handled by each chain stage by outcome
	StageRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autoplan_stage_rows_total", Help: "Rows processed per autoplan stage and outcome."},
		[]string{"stage", "outcome"},
	)
	// RoutingRequests counts route lookups by backend and outcome
	RoutingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_requests_total", Help: "Routing requests by backend and outcome."},
		[]string{"backend", "outcome"},
	)
	// RoutingDuration tracks provider latency in seconds
	RoutingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "routing_request_duration_seconds", Help: "Routing request duration in seconds.", Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8}},
		[]string{"backend"},
	)
	// RouteCacheLookups counts cache hits and misses
	RouteCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_cache_lookups_total", Help: "Route cache lookups by result."},
		[]string{"result"},
	)
	// AuditBacklog is the last observed count of unapplied accept audits
	AuditBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "autoplan_audit_backlog", Help: "Unapplied, unannotated accept audits in the settle window."},
	)
	// JobsProcessed counts queue jobs by task and status
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autoplan_jobs_total", Help: "Jobs processed by task and status."},
		[]string{"task", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(StageRows)
		Registry.MustRegister(RoutingRequests)
		Registry.MustRegister(RoutingDuration)
		Registry.MustRegister(RouteCacheLookups)
		Registry.MustRegister(AuditBacklog)
		Registry.MustRegister(JobsProcessed)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
