package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting evaluator activity.
type Metrics struct {
	evaluations *prometheus.CounterVec
	rewardSum   prometheus.Counter
	dropped     *prometheus.CounterVec
}

// MustNewMetrics constructs evaluator metrics on the given registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	evaluations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Evaluations persisted, labeled by executor type and verdict.",
		},
		[]string{"executor_type", "verdict"},
	)
	rewardSum := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "evaluator",
			Name:      "reward_abs_total",
			Help:      "Sum of absolute reward granted.",
		},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "evaluator",
			Name:      "results_dropped_total",
			Help:      "Result envelopes dropped, labeled by reason.",
		},
		[]string{"reason"},
	)

	m := &Metrics{evaluations: evaluations, rewardSum: rewardSum, dropped: dropped}
	for _, c := range []prometheus.Collector{evaluations, rewardSum, dropped} {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case evaluations:
					m.evaluations = already.ExistingCollector.(*prometheus.CounterVec)
				case rewardSum:
					m.rewardSum = already.ExistingCollector.(prometheus.Counter)
				case dropped:
					m.dropped = already.ExistingCollector.(*prometheus.CounterVec)
				}
				continue
			}
			panic(err)
		}
	}
	return m
}

func (m *Metrics) observeEvaluation(executorType, verdict string, reward float64) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(executorType, verdict).Inc()
	if reward < 0 {
		reward = -reward
	}
	m.rewardSum.Add(reward)
}

func (m *Metrics) observeDrop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}
