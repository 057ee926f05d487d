package dataset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// NormalizeLabels standardizes every label column of train and returns the
// column means and standard deviations used. A zero deviation is stored as 1,
// which leaves a constant column centred at zero.
func NormalizeLabels(train [][]float64) ([][]float64, []float64, []float64, error) {
	if len(train) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no labels to fit", ErrBadPartition)
	}
	dims := len(train[0])
	mean, std := make([]float64, dims), make([]float64, dims)
	col := make([]float64, len(train))
	for d := 0; d < dims; d++ {
		for i, row := range train {
			if len(row) != dims {
				return nil, nil, nil, fmt.Errorf("%w: label %d has %d values, want %d", ErrBadPartition, i, len(row), dims)
			}
			col[i] = row[d]
		}
		mean[d], std[d] = stat.MeanStdDev(col, nil)
		if std[d] == 0 || math.IsNaN(std[d]) {
			std[d] = 1
		}
	}
	out, err := ApplyLabels(train, mean, std)
	return out, mean, std, err
}

// ApplyLabels standardizes labels with statistics fitted elsewhere.
// It never recomputes statistics from labels.
func ApplyLabels(labels [][]float64, mean, std []float64) ([][]float64, error) {
	if len(mean) != len(std) {
		return nil, fmt.Errorf("%w: %d means but %d deviations", ErrBadPartition, len(mean), len(std))
	}
	out := make([][]float64, len(labels))
	for i, row := range labels {
		if len(row) != len(mean) {
			return nil, fmt.Errorf("%w: label %d has %d values, want %d", ErrBadPartition, i, len(row), len(mean))
		}
		out[i] = make([]float64, len(row))
		for d, v := range row {
			s := std[d]
			if s == 0 {
				s = 1
			}
			out[i][d] = (v - mean[d]) / s
		}
	}
	return out, nil
}
