package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hostshift"

// Collector is a prometheus.Collector for the migration engine.
type Collector struct {
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	activeTasks   prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	streamedBytes prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "migration_tasks_started_total",
				Help:      "Migration tasks started, by kind.",
			}, []string{"kind"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "migration_tasks_finished_total",
				Help:      "Migration tasks that reached a terminal status.",
			}, []string{"status"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "migration_tasks_active",
				Help:      "Migration tasks currently executing.",
			},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "migration_step_duration_seconds",
				Help:      "Duration of migration steps.",
				Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			}, []string{"step_type", "strategy", "result"},
		),
		streamedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "migration_streamed_bytes_total",
				Help:      "Bytes piped between hosts by cross-cluster transfers.",
			},
		),
	}
}

func (c *Collector) TaskStarted(kind string) {
	c.tasksStarted.WithLabelValues(kind).Inc()
	c.activeTasks.Inc()
}

func (c *Collector) TaskFinished(status string) {
	c.tasksFinished.WithLabelValues(status).Inc()
	c.activeTasks.Dec()
}

func (c *Collector) StepObserved(stepType, strategy, result string, d time.Duration) {
	c.stepDuration.WithLabelValues(stepType, strategy, result).Observe(d.Seconds())
}

func (c *Collector) BytesStreamed(n int64) {
	if n > 0 {
		c.streamedBytes.Add(float64(n))
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.tasksStarted.Describe(ch)
	c.tasksFinished.Describe(ch)
	c.activeTasks.Describe(ch)
	c.stepDuration.Describe(ch)
	c.streamedBytes.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.tasksStarted.Collect(ch)
	c.tasksFinished.Collect(ch)
	c.activeTasks.Collect(ch)
	c.stepDuration.Collect(ch)
	c.streamedBytes.Collect(ch)
}
