// Package fitness scores candidate individuals: each one's preprocessing
// program and architecture edit are applied, a network is trained with
// k-fold cross-validation and the model's fitness is returned to the host.
package fitness

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorgonia.org/tensor"

	"gonevo/architecture"
	"gonevo/config"
	"gonevo/dataset"
	"gonevo/imageproc"
	"gonevo/neuralnet"
)

// Result is the outcome of one evaluation.
type Result struct {
	Seq     int
	Fitness float64
	Outcome Outcome
	// Err is set when the individual was assigned the worst fitness.
	Err      error
	Folds    []FoldResult
	Summary  Summary
	Duration time.Duration
}

// FoldResult describes the training of one fold.
type FoldResult struct {
	Epochs             int
	EarlyStopped       bool
	ValidationAccuracy float64
	TestAccuracy       float64
	Duration           time.Duration
}

type options struct {
	logger  *slog.Logger
	factory ModelFactory
	data    *dataset.Dataset
	reg     prometheus.Registerer
	workers int
}

// Option configures an Evaluator.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithModelFactory replaces the network registry.
func WithModelFactory(f ModelFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithDataset uses ds instead of reading the configured dataset id.
func WithDataset(ds *dataset.Dataset) Option {
	return func(o *options) { o.data = ds }
}

// WithRegisterer registers the evaluation metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithWorkers bounds preprocessing parallelism.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// Evaluator holds the state shared by every evaluation of one search run: the
// configuration, the fixed train/test split and the label statistics.
//
// Thread Safety: Evaluate may not be called concurrently.
type Evaluator struct {
	cfg       config.Config
	logger    *slog.Logger
	runID     string
	factory   ModelFactory
	processor *imageproc.Processor
	metrics   *Metrics

	split         *dataset.Split
	trainY, testY [][]float64
	labelMean     []float64
	labelStd      []float64
	labelNames    []string
}

// NewEvaluator reads and splits the dataset once for the whole run.
// Dataset failures wrap ErrResource.
func NewEvaluator(cfg *config.Config, opts ...Option) (*Evaluator, error) {
	o := options{logger: slog.Default(), factory: NetworkFactory}
	for _, opt := range opts {
		opt(&o)
	}
	c := *cfg
	if err := c.Resolve(); err != nil {
		return nil, err
	}
	e := &Evaluator{
		cfg:       c,
		runID:     uuid.NewString(),
		factory:   o.factory,
		processor: &imageproc.Processor{Workers: o.workers, MaxPixels: c.MaxPixels},
		metrics:   NewMetrics(o.reg),
	}
	e.logger = o.logger.With("run_id", e.runID)

	ds := o.data
	if ds == nil {
		var err error
		if ds, err = dataset.Read(c.DatasetID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResource, err)
		}
	} else if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResource, err)
	}

	split, err := dataset.SplitDataset(ds, c.TestSplit, c.Seed)
	if err != nil {
		return nil, err
	}
	if _, err := dataset.KFold(split.Train.Len(), c.CrossValidationSplit); err != nil {
		return nil, err
	}
	e.split = split
	e.trainY, e.testY = split.Train.Labels, split.Test.Labels
	if c.NormalizeLabel {
		if e.trainY, e.labelMean, e.labelStd, err = dataset.NormalizeLabels(e.trainY); err != nil {
			return nil, err
		}
		if e.testY, err = dataset.ApplyLabels(e.testY, e.labelMean, e.labelStd); err != nil {
			return nil, err
		}
		e.logger.Info("normalized labels", "mean", e.labelMean, "std", e.labelStd)
	}
	if err := e.checkLabels(); err != nil {
		return nil, err
	}
	if c.LabelNames != "" {
		if e.labelNames, err = dataset.ReadLabelNames(c.LabelNames); err != nil {
			e.logger.Warn("label names unavailable", "path", c.LabelNames, "err", err)
		}
	}
	e.logSetup(ds)
	return e, nil
}

func (e *Evaluator) checkLabels() error {
	outputs := e.cfg.FCNLayers[len(e.cfg.FCNLayers)-1]
	if e.cfg.NetworkKind == neuralnet.KindRegression {
		if dims := len(e.trainY[0]); dims != outputs {
			return fmt.Errorf("%w: labels have %d values but the network has %d outputs", config.ErrInvalid, dims, outputs)
		}
		return nil
	}
	for _, side := range [][][]float64{e.trainY, e.testY} {
		for i, y := range side {
			if c := int(y[0]); c < 0 || c >= outputs || float64(c) != y[0] {
				return fmt.Errorf("%w: label %d is %g, want a class in [0, %d)", config.ErrInvalid, i, y[0], outputs)
			}
		}
	}
	return nil
}

func (e *Evaluator) logSetup(ds *dataset.Dataset) {
	e.logger.Info("evaluation setup",
		"dataset", e.cfg.DatasetID,
		"examples", ds.Len(),
		"image_shape", ds.ImageShape(),
		"train", e.split.Train.Len(),
		"test", e.split.Test.Len(),
		"seed", e.cfg.Seed,
		"folds", e.cfg.CrossValidationSplit,
		"network", e.cfg.NetworkKind.String(),
	)
	if e.cfg.NetworkKind != neuralnet.KindClassification {
		return
	}
	b := dataset.ClassBalance(e.split.Train, e.split.Test)
	totals, total := b.Total()
	for i, class := range b.Classes {
		name := fmt.Sprint(class)
		if class < len(e.labelNames) {
			name = e.labelNames[class]
		}
		e.logger.Info("class balance",
			"class", name,
			"train", b.Train[i],
			"test", b.Test[i],
			"share", float64(totals[i])/float64(total),
		)
	}
}

// RunID identifies the run in every log line.
func (e *Evaluator) RunID() string {
	return e.runID
}

// Split is the fixed train/test partition.
func (e *Evaluator) Split() *dataset.Split {
	return e.split
}

// Metrics exposes the evaluation collectors.
func (e *Evaluator) Metrics() *Metrics {
	return e.metrics
}

// Evaluate trains and scores one individual. seq is the host's evaluation
// number and only labels logs.
//
// Malformed individuals and training faults get the worst fitness with
// Result.Err set and a nil error. Only resource faults are returned.
func (e *Evaluator) Evaluate(ind Individual, seq int) (Result, error) {
	start := time.Now()
	log := e.logger.With("evaluation", seq)
	log.Info("evaluating individual", "depth", ind.Depth, "genome", ind.Genome)

	res := Result{Seq: seq}
	outcome, err := classify(guard(func() error { return e.run(log, ind, &res) }))
	res.Outcome = outcome
	res.Duration = time.Since(start)
	e.metrics.Evaluations.WithLabelValues(string(outcome)).Inc()
	e.metrics.Duration.Observe(res.Duration.Seconds())

	switch outcome {
	case OutcomeOK:
		log.Info("evaluation finished", "fitness", res.Fitness, "minutes", res.Duration.Minutes())
		return res, nil
	case OutcomeFatal:
		log.Error("evaluation aborted", "err", err)
		return res, err
	default:
		res.Fitness = Worst(e.cfg.Maximize)
		res.Err = err
		log.Warn("individual assigned worst fitness", "outcome", string(outcome), "fitness", res.Fitness, "err", err)
		return res, nil
	}
}

type prepared struct {
	input         architecture.Shape
	trainX, testX [][]float64
}

func (e *Evaluator) run(log *slog.Logger, ind Individual, res *Result) error {
	if ind.Preprocessing == nil || ind.Architecture == nil {
		return fmt.Errorf("%w: individual lacks a preprocessing or architecture program", ErrMalformed)
	}
	data, err := e.prepare(log, ind)
	if err != nil {
		return err
	}
	model, err := e.build(log, ind, data.input)
	if err != nil {
		return err
	}
	res.Folds, err = e.crossValidate(log, model, data)
	if err != nil {
		return err
	}
	durations := make([]time.Duration, len(res.Folds))
	for i, f := range res.Folds {
		durations[i] = f.Duration
	}
	res.Summary = Aggregate(model)
	res.Summary.Log(log, durations)
	res.Fitness = res.Summary.Fitness
	if math.IsNaN(res.Fitness) {
		return fmt.Errorf("%w: model fitness is NaN", ErrTrainingFault)
	}
	return nil
}

// prepare runs the preprocessing program and, when configured, standardizes
// pixels with statistics from the processed train images.
func (e *Evaluator) prepare(log *slog.Logger, ind Individual) (*prepared, error) {
	log.Info("processing pipeline start",
		"program", ind.Preprocessing.String(),
		"train", e.split.Train.Len(),
		"test", e.split.Test.Len(),
	)
	train, err := e.processor.Process(e.split.Train.Images, ind.Preprocessing, e.cfg.Resize)
	if err != nil {
		return nil, fmt.Errorf("train images: %w", err)
	}
	test, err := e.processor.Process(e.split.Test.Images, ind.Preprocessing, e.cfg.Resize)
	if err != nil {
		return nil, fmt.Errorf("test images: %w", err)
	}
	if !train.Shape()[1:].Eq(test.Shape()[1:]) {
		return nil, fmt.Errorf("%w: train images are %v, test images are %v", imageproc.ErrShapeMismatch, train.Shape()[1:], test.Shape()[1:])
	}

	if e.cfg.Normalize {
		var mean, std []float64
		if train, mean, std, err = imageproc.NormalizeByChannel(train, nil, nil); err != nil {
			return nil, err
		}
		if test, _, _, err = imageproc.NormalizeByChannel(test, mean, std); err != nil {
			return nil, err
		}
		log.Info("normalized processed images", "mean", mean, "std", std)
	}

	s := train.Shape()
	d := &prepared{input: architecture.Shape{C: s[1], H: s[2], W: s[3]}}
	d.trainX = rows(train)
	d.testX = rows(test)
	log.Info("processing pipeline done", "shape", d.input.String())
	return d, nil
}

// build derives the conv stack and constructs the model.
func (e *Evaluator) build(log *slog.Logger, ind Individual, input architecture.Shape) (Model, error) {
	program := ind.Architecture
	if !e.cfg.EvolveNetwork {
		program = nil
	}
	derived, err := architecture.Derive(program, input, e.cfg.ConvLayers)
	if err != nil {
		return nil, fmt.Errorf("%w: architecture %s: %w", ErrMalformed, program, err)
	}
	fcn, err := architecture.Classifier(e.cfg.FCNLayers, derived.FlattenSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if cost := derived.Cost(fcn); cost > e.cfg.MaxParams {
		return nil, fmt.Errorf("%w: architecture %s: network needs %d values, max_params is %d", architecture.ErrInvalidLayer, program, cost, e.cfg.MaxParams)
	}
	for i, l := range derived.Layers {
		log.Info("conv layer", "index", i, "layer", l.String(), "output", derived.Shapes[i].String())
	}
	log.Info("network structure",
		"architecture", program.String(),
		"input", input.String(),
		"flatten", derived.FlattenSize,
		"fcn", fcn,
	)

	spec := neuralnet.Spec{
		Input: input,
		Conv:  derived.Layers,
		FCN:   fcn,
		Params: neuralnet.Params{
			Lr:       e.cfg.LearningRate,
			Decay:    e.cfg.Decay,
			L2:       e.cfg.L2,
			Momentum: e.cfg.Momentum,
		},
		Maximize:   e.cfg.Maximize,
		Seed:       e.cfg.Seed,
		Activation: e.cfg.Activation,
		Logger:     log,
	}
	model, err := e.factory(e.cfg.NetworkKind, spec)
	if err != nil {
		return nil, err
	}
	if s, ok := model.(fmt.Stringer); ok {
		log.Debug("model built", "model", s.String())
	}
	return model, nil
}

// rows flattens an N x ... batch into one float64 row per example.
func rows(batch *tensor.Dense) [][]float64 {
	data := batch.Data().([]float32)
	n := batch.Shape()[0]
	plane := len(data) / n
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, plane)
		for j, v := range data[i*plane : (i+1)*plane] {
			row[j] = float64(v)
		}
		out[i] = row
	}
	return out
}
