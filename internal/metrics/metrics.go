// Package metrics exposes render pipeline and queue metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"renderhub/internal/worker/queue"
)

const namespace = "renderhub"

// QueueSource provides queue counters.
type QueueSource interface {
	Metrics() queue.Snapshot
}

// Metrics owns a private registry so that several instances (tests, the api
// and the worker in one process) never collide.
type Metrics struct {
	registry *prometheus.Registry

	processDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	jobsFinished    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Duration of composite and render child processes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"tool", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"stage", "outcome"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Render jobs that reached a terminal status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status class.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.processDuration, m.stageDuration, m.jobsFinished, m.httpRequests)
	return m
}

// ObserveProcess records a finished child process.
func (m *Metrics) ObserveProcess(tool, outcome string, d time.Duration) {
	m.processDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

// ObserveStage records a finished pipeline stage.
func (m *Metrics) ObserveStage(stage string, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// JobFinished counts a job reaching status.
func (m *Metrics) JobFinished(status string) {
	m.jobsFinished.WithLabelValues(status).Inc()
}

// ObserveRequest counts an HTTP response.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
}

// RegisterQueue exports src as gauges read at scrape time.
func (m *Metrics) RegisterQueue(src QueueSource) {
	m.registry.MustRegister(&queueCollector{src: src})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and for callers adding their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

var queueDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "queue", "jobs"),
	"Render queue items by state.",
	[]string{"state"}, nil,
)

// queueCollector takes one snapshot per scrape so the states are consistent
// with each other.
type queueCollector struct {
	src QueueSource
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- queueDesc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Metrics()
	for state, v := range map[string]int64{
		"waiting":   s.Waiting,
		"active":    s.Active,
		"completed": s.Completed,
		"failed":    s.Failed,
		"delayed":   s.Delayed,
	} {
		ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(v), state)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
