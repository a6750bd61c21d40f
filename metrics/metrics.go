// Package metrics exposes Prometheus metrics for a coordinator node.
//
// Metrics:
//
//	dedup_messages_total{type,dir}      protocol messages sent (dir="out") and received (dir="in")
//	dedup_claims_total                  claims made by this node
//	dedup_stepdowns_total               claims abandoned for an earlier competing claim
//	dedup_claim_conflicts_total         competing claims seen after work had started
//	dedup_executions_total{outcome}     work runs by outcome (success, failure)
//	dedup_execution_seconds             work duration
//	dedup_inflight_records              task records currently held
//	dedup_desync_total                  messages that could not be applied
//	dedup_unhandled_failures_total      failures that settled with nobody observing
//	dedup_publish_failures_total{type}  publish attempts the bus rejected
//	dedup_lost_outcomes_total           outcomes that never reached the bus
//
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message directions.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Collector holds the coordinator's Prometheus metrics.
type Collector struct {
	messages          *prometheus.CounterVec
	claims            prometheus.Counter
	stepDowns         prometheus.Counter
	conflicts         prometheus.Counter
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	inflight          prometheus.Gauge
	desync            prometheus.Counter
	unhandled         prometheus.Counter
	publishFailures   *prometheus.CounterVec
	lostOutcomes      prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_messages_total",
			Help: "Protocol messages by type and direction",
		}, []string{"type", "dir"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_claims_total",
			Help: "Claims made by this node",
		}),
		stepDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_stepdowns_total",
			Help: "Claims abandoned in favour of an earlier claim",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_claim_conflicts_total",
			Help: "Earlier competing claims observed after work started",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_executions_total",
			Help: "Work executions by outcome",
		}, []string{"outcome"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dedup_execution_seconds",
			Help:    "Work execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dedup_inflight_records",
			Help: "Task records currently held by this node",
		}),
		desync: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_desync_total",
			Help: "Protocol messages that could not be applied",
		}),
		unhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_unhandled_failures_total",
			Help: "Failures that settled with no observer attached",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_publish_failures_total",
			Help: "Publish attempts rejected by the bus, by message type",
		}, []string{"type"}),
		lostOutcomes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_lost_outcomes_total",
			Help: "Terminal outcomes that could not be broadcast after retries",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.messages,
		c.claims,
		c.stepDowns,
		c.conflicts,
		c.executions,
		c.executionDuration,
		c.inflight,
		c.desync,
		c.unhandled,
		c.publishFailures,
		c.lostOutcomes,
	)
	return c
}

// RecordMessage counts a protocol message.
func (c *Collector) RecordMessage(msgType, dir string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(msgType, dir).Inc()
}

// RecordClaim counts a claim made by this node.
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.claims.Inc()
}

// RecordStepDown counts an abandoned claim.
func (c *Collector) RecordStepDown() {
	if c == nil {
		return
	}
	c.stepDowns.Inc()
}

// RecordConflict counts an earlier claim seen after work started.
func (c *Collector) RecordConflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

// RecordExecution records one work run.
func (c *Collector) RecordExecution(d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.executions.WithLabelValues(outcome).Inc()
	c.executionDuration.Observe(d.Seconds())
}

// SetInflight sets the number of records currently held.
func (c *Collector) SetInflight(n int) {
	if c == nil {
		return
	}
	c.inflight.Set(float64(n))
}

// RecordDesync counts a message that could not be applied.
func (c *Collector) RecordDesync() {
	if c == nil {
		return
	}
	c.desync.Inc()
}

// RecordUnhandled counts a failure nobody observed.
func (c *Collector) RecordUnhandled() {
	if c == nil {
		return
	}
	c.unhandled.Inc()
}

// RecordPublishFailure counts a rejected publish attempt.
func (c *Collector) RecordPublishFailure(msgType string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(msgType).Inc()
}

// RecordLostOutcome counts a terminal outcome peers never received.
func (c *Collector) RecordLostOutcome() {
	if c == nil {
		return
	}
	c.lostOutcomes.Inc()
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
