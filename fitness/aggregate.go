package fitness

import (
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"gonevo/neuralnet"
)

// Summary is the per-fold record kept by a model after cross-validation.
type Summary struct {
	Validation []neuralnet.Metric
	Test       []neuralnet.Metric
	// MeanValidation and MeanTest average the logs; zero when a log is empty.
	MeanValidation neuralnet.Metric
	MeanTest       neuralnet.Metric
	Fitness        float64
}

// Aggregate reads the fold logs of m. Fitness is whatever the model reports.
func Aggregate(m Model) Summary {
	s := Summary{
		Validation: m.ValidationLog(),
		Test:       m.TestLog(),
		Fitness:    m.Fitness(),
	}
	s.MeanValidation = meanMetric(s.Validation)
	s.MeanTest = meanMetric(s.Test)
	return s
}

func meanMetric(log []neuralnet.Metric) neuralnet.Metric {
	if len(log) == 0 {
		return neuralnet.Metric{}
	}
	loss := make([]float64, len(log))
	acc := make([]float64, len(log))
	for i, m := range log {
		loss[i], acc[i] = m.Loss, m.Accuracy
	}
	return neuralnet.Metric{Loss: stat.Mean(loss, nil), Accuracy: stat.Mean(acc, nil)}
}

// Log writes one STAT line per fold followed by the means.
func (s Summary) Log(logger *slog.Logger, durations []time.Duration) {
	for i, v := range s.Validation {
		attrs := []any{
			"fold", i,
			"validation_loss", v.Loss, "validation_accuracy", v.Accuracy,
		}
		if i < len(s.Test) {
			attrs = append(attrs, "test_loss", s.Test[i].Loss, "test_accuracy", s.Test[i].Accuracy)
		}
		if i < len(durations) {
			attrs = append(attrs, "minutes", durations[i].Minutes())
		}
		logger.Info("STAT", attrs...)
	}
	logger.Info("STAT mean",
		"folds", len(s.Validation),
		"validation_loss", s.MeanValidation.Loss,
		"validation_accuracy", s.MeanValidation.Accuracy,
		"test_loss", s.MeanTest.Loss,
		"test_accuracy", s.MeanTest.Accuracy,
		"fitness", s.Fitness,
	)
}
