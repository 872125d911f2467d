// ============================================================================
// Dispatcher Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Count state updates and expose the store's shape for Prometheus.
//
// Metric families:
//
//   1. Counters:
//      - dispatcher_updates_applied_total{type}: updates applied to the store
//      - dispatcher_updates_rejected_total{type}: updates refused by validation
//      - dispatcher_workers_reserved_total: workers moved out of the pool
//
//   2. Recovery gauges:
//      - dispatcher_recovery_time_seconds: duration of the last recovery
//      - dispatcher_replayed_updates: journal entries replayed on that recovery
//
//   3. State gauges (refreshed after each write):
//      - dispatcher_workers_available
//      - dispatcher_jobs_active
//      - dispatcher_tasks_pending
//      - dispatcher_job_clients
//
// Example queries:
//
//   # rejection ratio per update type
//   rate(dispatcher_updates_rejected_total[5m])
//     / rate(dispatcher_updates_applied_total[5m])
//
//   # pool exhaustion
//   dispatcher_workers_available == 0
//
// HTTP endpoint:
//   /metrics on the configured port, Prometheus text format.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the dispatcher's Prometheus metrics.
type Collector struct {
	updatesApplied  *prometheus.CounterVec
	updatesRejected *prometheus.CounterVec
	workersReserved prometheus.Counter

	recoveryTime    prometheus.Gauge
	replayedUpdates prometheus.Gauge

	workersAvailable prometheus.Gauge
	jobsActive       prometheus.Gauge
	tasksPending     prometheus.Gauge
	jobClients       prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg, or with the
// default registerer when reg is nil. Registering twice on one registry panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		updatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_updates_applied_total",
			Help: "Total number of state updates applied, by update type",
		}, []string{"type"}),
		updatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_updates_rejected_total",
			Help: "Total number of state updates rejected by validation, by update type",
		}, []string{"type"}),
		workersReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_workers_reserved_total",
			Help: "Total number of workers reserved for jobs",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_recovery_time_seconds",
			Help: "Time taken by the last snapshot restore and journal replay",
		}),
		replayedUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_replayed_updates",
			Help: "Journal entries replayed during the last recovery",
		}),
		workersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_workers_available",
			Help: "Workers currently in the unreserved pool",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_jobs_active",
			Help: "Jobs that have not finished",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_tasks_pending",
			Help: "Tasks waiting for consumer agreement",
		}),
		jobClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_job_clients",
			Help: "Live job clients",
		}),
	}

	reg.MustRegister(
		c.updatesApplied,
		c.updatesRejected,
		c.workersReserved,
		c.recoveryTime,
		c.replayedUpdates,
		c.workersAvailable,
		c.jobsActive,
		c.tasksPending,
		c.jobClients,
	)
	return c
}

// RecordApplied counts an update that reached the store.
func (c *Collector) RecordApplied(updateType string) {
	c.updatesApplied.WithLabelValues(updateType).Inc()
}

// RecordRejected counts an update refused before journaling.
func (c *Collector) RecordRejected(updateType string) {
	c.updatesRejected.WithLabelValues(updateType).Inc()
}

func (c *Collector) RecordReserved(n int) {
	c.workersReserved.Add(float64(n))
}

// SetRecovery records the outcome of the last recovery.
func (c *Collector) SetRecovery(d time.Duration, replayed int) {
	c.recoveryTime.Set(d.Seconds())
	c.replayedUpdates.Set(float64(replayed))
}

// UpdateStateStats refreshes the state gauges.
func (c *Collector) UpdateStateStats(availableWorkers, activeJobs, pendingTasks, jobClients int) {
	c.workersAvailable.Set(float64(availableWorkers))
	c.jobsActive.Set(float64(activeJobs))
	c.tasksPending.Set(float64(pendingTasks))
	c.jobClients.Set(float64(jobClients))
}

// NewServer returns an HTTP server exposing gatherer on /metrics.
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer serves the default registry on /metrics and blocks.
func StartServer(port int) error {
	return NewServer(port, prometheus.DefaultGatherer).ListenAndServe()
}
