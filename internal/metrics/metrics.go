// Package metrics collects Prometheus metrics for the job pipeline and
// module supervision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the backend's Prometheus instruments.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobLatency     prometheus.Histogram
	moduleRestarts prometheus.Counter
	modulesRunning prometheus.Gauge
	brokerErrors   prometheus.Counter
}

// NewCollector creates and registers the instruments on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "laps_jobs_submitted_total",
			Help: "Total number of jobs accepted by the dispatcher",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laps_jobs_completed_total",
			Help: "Total number of job results written, by outcome",
		}, []string{"outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "laps_job_latency_seconds",
			Help:    "Time from submission to result write",
			Buckets: prometheus.DefBuckets,
		}),
		moduleRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "laps_module_restarts_total",
			Help: "Total number of module container restarts",
		}),
		modulesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "laps_modules_running",
			Help: "Current number of modules in Running state",
		}),
		brokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "laps_broker_errors_total",
			Help: "Total number of broker commands that failed after retries",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobLatency,
		c.moduleRestarts,
		c.modulesRunning,
		c.brokerErrors,
	)
	return c
}

// RecordSubmitted counts an accepted job submission.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts a terminal result write.
func (c *Collector) RecordCompleted(outcome string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(outcome).Inc()
	if latencySeconds >= 0 {
		c.jobLatency.Observe(latencySeconds)
	}
}

// RecordModuleRestart counts an automatic or requested restart.
func (c *Collector) RecordModuleRestart() {
	if c == nil {
		return
	}
	c.moduleRestarts.Inc()
}

// ModuleRunning moves the running-modules gauge.
func (c *Collector) ModuleRunning(delta float64) {
	if c == nil {
		return
	}
	c.modulesRunning.Add(delta)
}

// RecordBrokerError counts a broker command failure after local retries.
func (c *Collector) RecordBrokerError() {
	if c == nil {
		return
	}
	c.brokerErrors.Inc()
}
