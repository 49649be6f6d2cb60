package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Executor status values exported through the status gauge.
const (
	statusIdle      = "idle"
	statusPolling   = "polling"
	statusExecuting = "executing"
	statusError     = "error"
	statusShutdown  = "shutdown"
)

var executorStates = []string{statusIdle, statusPolling, statusExecuting, statusError, statusShutdown}

// Metrics exposes Prometheus collectors reporting executor activity.
type Metrics struct {
	tasksProcessed *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	tasksInFlight  prometheus.Gauge
	status         *prometheus.GaugeVec
}

// MustNewMetrics constructs executor metrics on the given registerer.
// Duplicate registration reuses the existing collectors so multiple
// executors in one process share the same series.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "executor",
			Name:      "tasks_processed_total",
			Help:      "Tasks processed, labeled by executor type and outcome.",
		},
		[]string{"executor_type", "outcome"},
	)
	taskDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dagflow",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	tasksInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dagflow",
			Subsystem: "executor",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing.",
		},
	)
	status := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dagflow",
			Subsystem: "executor",
			Name:      "status",
			Help:      "Current executor status, 1 for the active state.",
		},
		[]string{"state"},
	)

	m := &Metrics{
		tasksProcessed: tasksProcessed,
		taskDuration:   taskDuration,
		tasksInFlight:  tasksInFlight,
		status:         status,
	}
	for _, c := range []prometheus.Collector{tasksProcessed, taskDuration, tasksInFlight, status} {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case tasksProcessed:
					m.tasksProcessed = already.ExistingCollector.(*prometheus.CounterVec)
				case taskDuration:
					m.taskDuration = already.ExistingCollector.(prometheus.Histogram)
				case tasksInFlight:
					m.tasksInFlight = already.ExistingCollector.(prometheus.Gauge)
				case status:
					m.status = already.ExistingCollector.(*prometheus.GaugeVec)
				}
				continue
			}
			panic(err)
		}
	}
	return m
}

// setStatus marks one state active and the rest inactive.
func (m *Metrics) setStatus(state string) {
	if m == nil {
		return
	}
	for _, s := range executorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.status.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) observeTask(executorType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(executorType, outcome).Inc()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) incInFlight() {
	if m != nil {
		m.tasksInFlight.Inc()
	}
}

func (m *Metrics) decInFlight() {
	if m != nil {
		m.tasksInFlight.Dec()
	}
}
