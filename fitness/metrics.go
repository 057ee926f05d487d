package fitness

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the evaluation counters exported by an Evaluator.
type Metrics struct {
	Evaluations   *prometheus.CounterVec
	EpochsTrained prometheus.Histogram
	EarlyStops    prometheus.Counter
	Duration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gonevo_fitness_evaluations_total",
			Help: "Individuals evaluated, by outcome.",
		}, []string{"outcome"}),
		EpochsTrained: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gonevo_fitness_epochs_trained",
			Help:    "Epochs trained per fold before completion or early stop.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		EarlyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gonevo_fitness_early_stops_total",
			Help: "Folds ended by the early stopping rule.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gonevo_fitness_evaluation_seconds",
			Help:    "Wall time of one individual's evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Evaluations, m.EpochsTrained, m.EarlyStops, m.Duration)
	}
	return m
}

func (m *Metrics) observeFold(f FoldResult) {
	m.EpochsTrained.Observe(float64(f.Epochs))
	if f.EarlyStopped {
		m.EarlyStops.Inc()
	}
}
