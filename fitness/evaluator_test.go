package fitness

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonevo/architecture"
	"gonevo/config"
	"gonevo/dataset"
	"gonevo/imageproc"
	"gonevo/logging"
	"gonevo/neuralnet"
)

// smallConfig trains a one block network on 300 synthetic 32x32x3 images.
func smallConfig() *config.Config {
	c := config.Default()
	c.DatasetID = "synthetic:300"
	c.CrossValidationSplit = 2
	c.BatchSize = 16
	c.NumEpochs = 5
	c.TrainFreq = 1
	c.ValidationFreq = 1
	c.ConvLayers = []architecture.ConvLayer{
		{Filters: 4, Kernel: 3, Stride: 2, Padding: 1, PoolSize: 2},
	}
	c.FCNLayers = []int{0, 16, 10}
	return &c
}

func mustDecode(t *testing.T, genome string) Individual {
	t.Helper()
	ind, err := DecodeIndividual(genome)
	require.NoError(t, err)
	return ind
}

func TestEvaluateEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewEvaluator(smallConfig(), WithLogger(logging.Discard()), WithRegisterer(reg))
	require.NoError(t, err)
	assert.Equal(t, 201, e.Split().Train.Len())
	assert.Equal(t, 99, e.Split().Test.Len())

	res, err := e.Evaluate(mustDecode(t, "identity | identity"), 1)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.False(t, math.IsNaN(res.Fitness) || math.IsInf(res.Fitness, 0), "fitness %v", res.Fitness)
	assert.GreaterOrEqual(t, res.Fitness, 0.0)
	assert.LessOrEqual(t, res.Fitness, 1.0)
	assert.Len(t, res.Summary.Validation, 2)
	assert.Len(t, res.Summary.Test, 2)
	require.Len(t, res.Folds, 2)
	for _, f := range res.Folds {
		assert.Equal(t, 5, f.Epochs)
		assert.False(t, f.EarlyStopped)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Evaluations.WithLabelValues(string(OutcomeOK))))
}

func TestEvaluateMalformed(t *testing.T) {
	cfg := smallConfig()
	e, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	tests := []struct {
		name   string
		genome string
	}{
		{"kernel larger than input", "identity | kernel(0,40)"},
		{"drop missing layer", "identity | drop(3)"},
		{"crop outside image", "crop(0,0,64,64) | identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Evaluate(mustDecode(t, tt.genome), 2)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMalformed, res.Outcome)
			assert.ErrorIs(t, res.Err, ErrMalformed)
			assert.True(t, math.IsInf(res.Fitness, -1))
		})
	}
}

func TestEvaluateOversizedIndividual(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewEvaluator(smallConfig(), WithLogger(logging.Discard()), WithRegisterer(reg))
	require.NoError(t, err)

	tests := []struct {
		name   string
		genome string
		want   error
	}{
		{"resize overflowing int", "resize(3037000500,3037000500) | identity", imageproc.ErrTransform},
		{"resize beyond memory", "resize(60000,60000) | identity", imageproc.ErrTransform},
		{"billion filters", "identity | filters(0,1000000000)", architecture.ErrInvalidLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Evaluate(mustDecode(t, tt.genome), 1)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMalformed, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.want)
			assert.True(t, math.IsInf(res.Fitness, -1))
		})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(e.Metrics().Evaluations.WithLabelValues(string(OutcomeMalformed))))

	cfg := smallConfig()
	cfg.MaxParams = 1000
	small, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	res, err := small.Evaluate(mustDecode(t, "identity | identity"), 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "max_params")
}

func TestEvaluateMalformedMinimizing(t *testing.T) {
	cfg := smallConfig()
	cfg.Maximize = false
	e, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := e.Evaluate(mustDecode(t, "identity | kernel(0,40)"), 1)
	require.NoError(t, err)
	assert.True(t, math.IsInf(res.Fitness, 1))
}

func TestEvaluateMissingProgram(t *testing.T) {
	e, err := NewEvaluator(smallConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := e.Evaluate(Individual{Genome: "half"}, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrMalformed)
}

type spyNet struct {
	*neuralnet.NeuralNetwork
	starts, ends [][]float64
}

func (s *spyNet) ReinitializeParams() {
	s.NeuralNetwork.ReinitializeParams()
	s.starts = append(s.starts, s.Parameters())
}

func (s *spyNet) SaveTestLoss() {
	s.NeuralNetwork.SaveTestLoss()
	s.ends = append(s.ends, s.Parameters())
}

func TestEvaluateResetsParametersBetweenFolds(t *testing.T) {
	cfg := smallConfig()
	cfg.NumEpochs = 2
	var spy *spyNet
	factory := func(kind neuralnet.Kind, spec neuralnet.Spec) (Model, error) {
		nn, err := neuralnet.New(kind, spec)
		if err != nil {
			return nil, err
		}
		spy = &spyNet{NeuralNetwork: nn}
		return spy, nil
	}
	e, err := NewEvaluator(cfg, WithLogger(logging.Discard()), WithModelFactory(factory))
	require.NoError(t, err)

	res, err := e.Evaluate(mustDecode(t, "identity | identity"), 1)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, spy.starts, 2)
	require.Len(t, spy.ends, 2)
	assert.NotEqual(t, spy.starts[0], spy.ends[0], "training changed nothing")
	assert.NotEqual(t, spy.ends[0], spy.starts[1], "second fold started from trained weights")
}

// fakeModel reports a constant accuracy and can be told to fail.
type fakeModel struct {
	acc      float64
	trainErr error
	panicMsg string

	epochs     int
	last       neuralnet.Metric
	validation []neuralnet.Metric
	test       []neuralnet.Metric
}

func (m *fakeModel) ReinitializeParams() { m.epochs = 0 }

func (m *fakeModel) Train(epoch int, x, y [][]float64) error {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.trainErr != nil {
		return m.trainErr
	}
	m.epochs = epoch
	return nil
}

func (m *fakeModel) TrainLoss() float64 { return 1 }

func (m *fakeModel) Test(x, y [][]float64, printConfusion bool) (float64, error) {
	m.last = neuralnet.Metric{Loss: 1 - m.acc, Accuracy: m.acc}
	return m.acc, nil
}

func (m *fakeModel) TestLossString() string { return fmt.Sprint(m.last) }
func (m *fakeModel) SaveValidationLoss()    { m.validation = append(m.validation, m.last) }
func (m *fakeModel) SaveTestLoss()          { m.test = append(m.test, m.last) }

func (m *fakeModel) Fitness() float64 {
	if len(m.validation) == 0 {
		return math.Inf(-1)
	}
	return m.validation[0].Accuracy
}

func (m *fakeModel) ValidationLog() []neuralnet.Metric { return m.validation }
func (m *fakeModel) TestLog() []neuralnet.Metric       { return m.test }

func fakeEvaluator(t *testing.T, cfg *config.Config, m *fakeModel, opts ...Option) *Evaluator {
	t.Helper()
	ds, err := dataset.Synthetic(dataset.SyntheticConfig{N: 40, Classes: 2, H: 4, W: 4, C: 1, Seed: 3, Noise: 0.1})
	require.NoError(t, err)
	cfg.ConvLayers = nil
	cfg.FCNLayers = []int{0, 2}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithDataset(ds),
		WithModelFactory(func(neuralnet.Kind, neuralnet.Spec) (Model, error) { return m, nil }),
	}, opts...)
	e, err := NewEvaluator(cfg, opts...)
	require.NoError(t, err)
	return e
}

func TestEvaluateEarlyStops(t *testing.T) {
	cfg := smallConfig()
	cfg.NumEpochs = 50
	cfg.ValidationFreq = 1
	cfg.EarlyStopFreq = 4
	reg := prometheus.NewRegistry()
	e := fakeEvaluator(t, cfg, &fakeModel{acc: 0.5}, WithRegisterer(reg))

	res, err := e.Evaluate(mustDecode(t, "identity | identity"), 1)
	require.NoError(t, err)
	require.Len(t, res.Folds, 2)
	for _, f := range res.Folds {
		// checkpoints at 4, 5, 6, 7; the fourth sees a flat window
		assert.Equal(t, 7, f.Epochs)
		assert.True(t, f.EarlyStopped)
	}
	assert.Equal(t, 0.5, res.Fitness)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics().EarlyStops))
}

func TestEvaluateFaults(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"diverged", &fakeModel{trainErr: fmt.Errorf("step: %w", neuralnet.ErrDiverged)}},
		{"unknown model error", &fakeModel{trainErr: errors.New("cuda says no")}},
		{"panic", &fakeModel{panicMsg: "index out of range"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := fakeEvaluator(t, smallConfig(), tt.model)
			res, err := e.Evaluate(mustDecode(t, "identity | identity"), 1)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFault, res.Outcome)
			assert.ErrorIs(t, res.Err, ErrTrainingFault)
			assert.True(t, math.IsInf(res.Fitness, -1))
		})
	}
}

func TestEvaluateResourceFaultIsReturned(t *testing.T) {
	m := &fakeModel{trainErr: fmt.Errorf("%w: scratch disk full", ErrResource)}
	e := fakeEvaluator(t, smallConfig(), m)
	_, err := e.Evaluate(mustDecode(t, "identity | identity"), 1)
	assert.ErrorIs(t, err, ErrResource)
}

func TestNewEvaluatorErrors(t *testing.T) {
	t.Run("unreadable dataset", func(t *testing.T) {
		cfg := smallConfig()
		cfg.DatasetID = "cifar10:/nonexistent/data_batch_1.bin"
		_, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
		assert.ErrorIs(t, err, ErrResource)
	})
	t.Run("class outside classifier", func(t *testing.T) {
		cfg := smallConfig()
		cfg.FCNLayers = []int{0, 16, 5}
		_, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
		assert.ErrorIs(t, err, config.ErrInvalid)
	})
	t.Run("too few examples for folds", func(t *testing.T) {
		cfg := smallConfig()
		cfg.DatasetID = "synthetic:6"
		cfg.CrossValidationSplit = 5
		_, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
		assert.ErrorIs(t, err, dataset.ErrBadPartition)
	})
}

func TestEvaluateDoesNotMutateConfig(t *testing.T) {
	cfg := smallConfig()
	e, err := NewEvaluator(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = e.Evaluate(mustDecode(t, "identity | add(4,3,1,1)"), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 16, 10}, cfg.FCNLayers)
	assert.Len(t, cfg.ConvLayers, 1)
}
