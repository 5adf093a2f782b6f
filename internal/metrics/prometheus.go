// Package metrics holds the Prometheus collectors for sessions, commands,
// cache lookups and deployments.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nftgate"

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all nftgate metrics.
type Registry struct {
	reg *prometheus.Registry

	// Sessions
	SessionsActive prometheus.Gauge
	ConnectTotal   *prometheus.CounterVec

	// Commands
	CommandAttempts *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Script actions
	ActionTotal *prometheus.CounterVec

	// Cache
	CacheLookups *prometheus.CounterVec
	CacheErrors  prometheus.Counter

	// Deployments
	DeployTotal *prometheus.CounterVec

	// Plans
	PlanTasks *prometheus.CounterVec

	// Agent
	RefreshTotal *prometheus.CounterVec
}

// Get returns the process-wide metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
		registry.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return registry
}

// New creates an isolated registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{reg: reg}

	r.SessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live remote sessions",
	})
	r.ConnectTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_total",
		Help:      "Session connect attempts by result",
	}, []string{"result"})

	r.CommandAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_attempts_total",
		Help:      "Remote command attempts by mode and result",
	}, []string{"mode", "result"})
	r.CommandDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Remote command latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	r.ActionTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "script_actions_total",
		Help:      "Script actions invoked by code and result",
	}, []string{"action", "result"})

	r.CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by result (hit, miss, stale)",
	}, []string{"result"})
	r.CacheErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_errors_total",
		Help:      "Absorbed cache storage failures",
	})

	r.DeployTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Script deployments by result",
	}, []string{"result"})

	r.PlanTasks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plan_tasks_total",
		Help:      "Plan tasks by step and status (ok, changed, failed, skipped)",
	}, []string{"step", "status"})

	r.RefreshTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_refresh_total",
		Help:      "Periodic host refreshes by result",
	}, []string{"result"})

	return r
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler serving the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultStale   = "stale"
	ResultSkipped = "skipped"
)
