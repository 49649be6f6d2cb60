package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting orchestrator activity.
type Metrics struct {
	admissions    *prometheus.CounterVec
	dispatches    prometheus.Counter
	reaps         *prometheus.CounterVec
	corrections   prometheus.Counter
	finalizations *prometheus.CounterVec
}

// MustNewMetrics constructs orchestrator metrics on the given
// registerer, reusing collectors already registered there.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	admissions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "admissions_total",
			Help:      "Workflow admissions, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	dispatches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "dispatches_total",
			Help:      "Tasks dispatched to the fabric.",
		},
	)
	reaps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "reaps_total",
			Help:      "Expired claims recovered, labeled by disposition.",
		},
		[]string{"disposition"},
	)
	corrections := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "corrections_total",
			Help:      "Corrections spliced into running workflows.",
		},
	)
	finalizations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "finalizations_total",
			Help:      "Workflows finalized, labeled by final status.",
		},
		[]string{"final_status"},
	)

	m := &Metrics{
		admissions:    admissions,
		dispatches:    dispatches,
		reaps:         reaps,
		corrections:   corrections,
		finalizations: finalizations,
	}
	for _, c := range []prometheus.Collector{admissions, dispatches, reaps, corrections, finalizations} {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case admissions:
					m.admissions = already.ExistingCollector.(*prometheus.CounterVec)
				case dispatches:
					m.dispatches = already.ExistingCollector.(prometheus.Counter)
				case reaps:
					m.reaps = already.ExistingCollector.(*prometheus.CounterVec)
				case corrections:
					m.corrections = already.ExistingCollector.(prometheus.Counter)
				case finalizations:
					m.finalizations = already.ExistingCollector.(*prometheus.CounterVec)
				}
				continue
			}
			panic(err)
		}
	}
	return m
}

func (m *Metrics) observeAdmission(outcome string) {
	if m != nil {
		m.admissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) observeDispatch() {
	if m != nil {
		m.dispatches.Inc()
	}
}

func (m *Metrics) observeReap(failed bool) {
	if m == nil {
		return
	}
	disposition := "redispatched"
	if failed {
		disposition = "failed"
	}
	m.reaps.WithLabelValues(disposition).Inc()
}

func (m *Metrics) observeCorrection() {
	if m != nil {
		m.corrections.Inc()
	}
}

func (m *Metrics) observeFinalize(finalStatus string) {
	if m != nil {
		m.finalizations.WithLabelValues(finalStatus).Inc()
	}
}
