// Package metrics owns the Prometheus registry and every collector the
// server and workers write. One Metrics value is created at startup and
// threaded through; tests create their own so registries never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collector set backed by one private registry.
type Metrics struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	CommitConflicts *prometheus.CounterVec
	EventsAppended  *prometheus.CounterVec

	OutboxPending *prometheus.GaugeVec
	OutboxDead    *prometheus.GaugeVec

	WorkerTicks    *prometheus.CounterVec
	WorkerMessages *prometheus.CounterVec

	DeliveryAttempts *prometheus.CounterVec

	MonthCloseBlocked *prometheus.CounterVec
	MaintenanceRuns   *prometheus.CounterVec
	RetentionPurged   *prometheus.CounterVec

	IngestRejected *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
}

// New builds the collector set on a fresh registry, with the standard Go
// and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_http_requests_total",
			Help: "HTTP requests by method, route, and status class.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settld_http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		CommitConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_commit_conflicts_total",
			Help: "Commits rejected by optimistic concurrency, by conflict code.",
		}, []string{"code"}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_events_appended_total",
			Help: "Events committed, by aggregate type.",
		}, []string{"aggregate"}),

		OutboxPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settld_outbox_pending",
			Help: "Unprocessed outbox rows by topic.",
		}, []string{"topic"}),
		OutboxDead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settld_outbox_dead",
			Help: "Dead-lettered outbox rows by topic.",
		}, []string{"topic"}),

		WorkerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_worker_ticks_total",
			Help: "Worker tick outcomes.",
		}, []string{"worker", "outcome"}),
		WorkerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_worker_messages_total",
			Help: "Messages or rows a worker handled.",
		}, []string{"worker"}),

		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_delivery_attempts_total",
			Help: "Delivery attempts by destination kind and outcome.",
		}, []string{"kind", "outcome"}),

		MonthCloseBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "month_close_blocked_total",
			Help: "Month closes refused, by reason.",
		}, []string{"reason"}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintenance_runs_total",
			Help: "Maintenance task runs by task and outcome.",
		}, []string{"task", "outcome"}),
		RetentionPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_purged_total",
			Help: "Rows purged by the retention janitor, by kind.",
		}, []string{"kind"}),

		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_ingest_rejected_total",
			Help: "Ingest envelopes rejected, by reason.",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settld_rate_limited_total",
			Help: "Requests refused by the per-tenant limiter.",
		}, []string{"tenant"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration,
		m.CommitConflicts, m.EventsAppended,
		m.OutboxPending, m.OutboxDead,
		m.WorkerTicks, m.WorkerMessages,
		m.DeliveryAttempts,
		m.MonthCloseBlocked, m.MaintenanceRuns, m.RetentionPurged,
		m.IngestRejected, m.RateLimited,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
