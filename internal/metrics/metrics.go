// Package metrics exports scheduler activity in the Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

const namespace = "lingyi"

// StatsSource provides point-in-time scheduler load.
type StatsSource interface {
	Stats() scheduler.Stats
}

// Metrics owns a private registry with lifecycle counters fed from the event bus
// and gauges read from a StatsSource at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	retries   prometheus.Counter
	outputs   prometheus.Counter
	duration  *prometheus.HistogramVec
	agents    *prometheus.CounterVec
}

// New creates the metrics set. source may be nil, in which case no load gauges
// are exported.
func New(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the scheduler.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"kind", "status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Failed attempts that were scheduled again.",
		}),
		outputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outputs_total",
			Help:      "Partial results streamed by running tasks.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from first start to completion or failure.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind", "status"}),
		agents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registry_changes_total",
			Help:      "Agent registrations and removals.",
		}, []string{"change"}),
	}

	m.registry.MustRegister(
		m.submitted, m.finished, m.retries, m.outputs, m.duration, m.agents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if source != nil {
		m.registry.MustRegister(newLoadCollector(source))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Run consumes events until ctx ends or sub is closed.
func (m *Metrics) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe updates counters for one event.
func (m *Metrics) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		m.submitted.WithLabelValues(e.Kind).Inc()
	case events.TaskRetryingEvent:
		m.retries.Inc()
	case events.TaskOutputEvent:
		m.outputs.Inc()
	case events.TaskCompletedEvent:
		m.finished.WithLabelValues(e.Kind, scheduler.StatusCompleted.String()).Inc()
		m.duration.WithLabelValues(e.Kind, scheduler.StatusCompleted.String()).Observe(e.Duration.Seconds())
	case events.TaskFailedEvent:
		m.finished.WithLabelValues(e.Kind, scheduler.StatusFailed.String()).Inc()
		if e.Duration > 0 {
			m.duration.WithLabelValues(e.Kind, scheduler.StatusFailed.String()).Observe(e.Duration.Seconds())
		}
	case events.TaskCancelledEvent:
		m.finished.WithLabelValues(e.Kind, scheduler.StatusCancelled.String()).Inc()
	case events.AgentRegisteredEvent:
		m.agents.WithLabelValues("registered").Inc()
	case events.AgentRemovedEvent:
		m.agents.WithLabelValues("removed").Inc()
	}
}

// loadCollector reads scheduler stats on every scrape.
type loadCollector struct {
	source  StatsSource
	tasks   *prometheus.Desc
	queued  *prometheus.Desc
	busy    *prometheus.Desc
	workers *prometheus.Desc
}

func newLoadCollector(source StatsSource) *loadCollector {
	return &loadCollector{
		source: source,
		tasks: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks tracked in memory by status.", []string{"status"}, nil),
		queued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Tasks waiting for a worker.", []string{"kind"}, nil),
		busy: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "workers_busy"),
			"Worker slots executing a task.", []string{"kind"}, nil),
		workers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "workers"),
			"Worker slots per pool.", []string{"kind"}, nil),
	}
}

func (c *loadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.queued
	ch <- c.busy
	ch <- c.workers
}

func (c *loadCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Stats()

	for status, n := range map[scheduler.Status]int{
		scheduler.StatusPending:   st.Pending,
		scheduler.StatusRunning:   st.Running,
		scheduler.StatusCompleted: st.Completed,
		scheduler.StatusFailed:    st.Failed,
		scheduler.StatusCancelled: st.Cancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), status.String())
	}
	for kind, n := range st.Queued {
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(n), kind.String())
	}
	for kind, n := range st.Busy {
		ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(n), kind.String())
	}
	for kind, n := range st.Workers {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(n), kind.String())
	}
}
