package neuralnet

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"gonevo/architecture"
)

var (
	// ErrShapeMismatch is returned when the conv stack and the classifier disagree.
	ErrShapeMismatch = errors.New("network shape mismatch")
	// ErrDiverged is returned when training or evaluation produces a non-finite value.
	ErrDiverged = errors.New("network diverged")
	// ErrBadBatch is returned for inputs or labels that do not fit the network.
	ErrBadBatch = errors.New("bad batch")
)

// Spec is everything needed to build a network.
type Spec struct {
	Input architecture.Shape
	Conv  []architecture.ConvLayer
	// FCN lists fully connected widths; FCN[0] must equal the conv flatten size
	// and the last entry is the number of outputs.
	FCN      []int
	Params   Params
	Maximize bool
	Seed     int64
	// Activation names the hidden dense activation; empty means relu.
	Activation string
	Logger     *slog.Logger
}

// Metric is one (loss, accuracy) measurement.
type Metric struct {
	Loss     float64
	Accuracy float64
}

// NeuralNetwork is a conv stack followed by fully connected layers.
// The head is either a softmax classifier or a linear regressor.
type NeuralNetwork struct {
	kind   Kind
	spec   Spec
	convs  []*convLayer
	dense  []*denseLayer
	loss   LossFunction
	opt    Optimizer
	params Params
	rng    *rand.Rand
	logger *slog.Logger

	epoch      int
	trainLoss  float64
	trainCount int

	last          Metric
	validationLog []Metric
	testLog       []Metric
}

// NNSeed mixes the layer sizes into seed so that differently shaped networks
// built from one configuration do not share initial weights.
func NNSeed(seed int64, inputSize int, hidden []int) int64 {
	s := seed*31 + int64(inputSize)
	for _, h := range hidden {
		s = s*31 + int64(h)
	}
	return s
}

func newNeuralNetwork(kind Kind, spec Spec) (*NeuralNetwork, error) {
	if len(spec.FCN) < 2 {
		return nil, fmt.Errorf("%w: need at least input and output widths, got %v", ErrShapeMismatch, spec.FCN)
	}
	for _, w := range spec.FCN {
		if w <= 0 {
			return nil, fmt.Errorf("%w: non-positive width in %v", ErrShapeMismatch, spec.FCN)
		}
	}
	hidden, err := ActivationByName(spec.Activation)
	if err != nil {
		return nil, err
	}
	if spec.Logger == nil {
		spec.Logger = slog.Default()
	}
	nn := &NeuralNetwork{
		kind:   kind,
		spec:   spec,
		opt:    &SGD{},
		params: spec.Params,
		rng:    rand.New(rand.NewSource(NNSeed(spec.Seed, spec.Input.Size(), spec.FCN))),
		logger: spec.Logger,
	}

	cur := spec.Input
	for i, c := range spec.Conv {
		l, err := newConvLayer(c, cur)
		if err != nil {
			return nil, fmt.Errorf("%w: conv layer %d: %v", ErrShapeMismatch, i, err)
		}
		nn.convs = append(nn.convs, l)
		cur = l.out
	}
	if cur.Size() != spec.FCN[0] {
		return nil, fmt.Errorf("%w: conv output %s flattens to %d, classifier expects %d", ErrShapeMismatch, cur, cur.Size(), spec.FCN[0])
	}

	for i := 1; i < len(spec.FCN); i++ {
		act := hidden
		if i == len(spec.FCN)-1 {
			act = Linear{}
		}
		nn.dense = append(nn.dense, newDenseLayer(spec.FCN[i-1], spec.FCN[i], act))
	}

	switch kind {
	case KindRegression:
		nn.loss = &MeanSquared{}
	default:
		nn.loss = &CrossEntropy{}
	}
	nn.ReinitializeParams()
	return nn, nil
}

// Outputs is the width of the head.
func (nn *NeuralNetwork) Outputs() int {
	return nn.spec.FCN[len(nn.spec.FCN)-1]
}

func (nn *NeuralNetwork) allParams() []*Param {
	var ps []*Param
	for _, l := range nn.convs {
		ps = append(ps, l.weights, l.bias)
	}
	for _, l := range nn.dense {
		ps = append(ps, l.weights, l.bias)
	}
	return ps
}

// ReinitializeParams draws fresh weights, clears momentum and gradients and
// restores the initial learning rate. Successive calls draw different values.
func (nn *NeuralNetwork) ReinitializeParams() {
	for _, l := range nn.convs {
		l.init(nn.rng)
	}
	for _, l := range nn.dense {
		l.init(nn.rng)
	}
	for _, p := range nn.allParams() {
		for k := range p.Grad {
			p.Grad[k], p.Velocity[k] = 0, 0
		}
	}
	nn.params = nn.spec.Params
	nn.epoch = 0
	nn.trainLoss, nn.trainCount = 0, 0
}

// Parameters returns a copy of every trainable value.
func (nn *NeuralNetwork) Parameters() []float64 {
	var out []float64
	for _, p := range nn.allParams() {
		out = append(out, p.Value...)
	}
	return out
}

// SetParameters overwrites every trainable value from v, in Parameters order.
func (nn *NeuralNetwork) SetParameters(v []float64) error {
	i := 0
	for _, p := range nn.allParams() {
		if i+len(p.Value) > len(v) {
			return fmt.Errorf("%w: %d values for a larger network", ErrBadBatch, len(v))
		}
		i += copy(p.Value, v[i:i+len(p.Value)])
	}
	if i != len(v) {
		return fmt.Errorf("%w: %d values for %d parameters", ErrBadBatch, len(v), i)
	}
	return nil
}

func (nn *NeuralNetwork) forward(x []float64) ([]float64, error) {
	if len(x) != nn.spec.Input.Size() {
		return nil, fmt.Errorf("%w: input has %d values, network expects %s", ErrBadBatch, len(x), nn.spec.Input)
	}
	out := x
	for _, l := range nn.convs {
		out = l.forward(out)
	}
	for _, l := range nn.dense {
		out = l.forward(out)
	}
	if nn.kind == KindClassification {
		out = Softmax(out)
	}
	return out, nil
}

func (nn *NeuralNetwork) backward(grad []float64) {
	for i := len(nn.dense) - 1; i >= 0; i-- {
		grad = nn.dense[i].backward(grad)
	}
	for i := len(nn.convs) - 1; i >= 0; i-- {
		grad = nn.convs[i].backward(grad)
	}
}

func (nn *NeuralNetwork) target(y []float64) ([]float64, error) {
	if nn.kind == KindRegression {
		if len(y) != nn.Outputs() {
			return nil, fmt.Errorf("%w: label has %d values, head has %d", ErrBadBatch, len(y), nn.Outputs())
		}
		return y, nil
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("%w: empty label", ErrBadBatch)
	}
	class := int(y[0])
	if class < 0 || class >= nn.Outputs() {
		return nil, fmt.Errorf("%w: class %d outside %d outputs", ErrBadBatch, class, nn.Outputs())
	}
	t := make([]float64, nn.Outputs())
	t[class] = 1
	return t, nil
}

// accumulate runs forward and backward over a batch, leaving the summed
// gradients in the params, and returns the summed loss.
func (nn *NeuralNetwork) accumulate(x, y [][]float64) (float64, error) {
	if len(x) == 0 || len(x) != len(y) {
		return 0, fmt.Errorf("%w: %d inputs and %d labels", ErrBadBatch, len(x), len(y))
	}
	var total float64
	for i := range x {
		out, err := nn.forward(x[i])
		if err != nil {
			return 0, err
		}
		t, err := nn.target(y[i])
		if err != nil {
			return 0, err
		}
		loss := nn.loss.Compute(out, t)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("%w: loss %v on example %d", ErrDiverged, loss, i)
		}
		total += loss
		nn.backward(nn.loss.Gradient(out, t))
	}
	return total, nil
}

// Train performs one forward/backward/update step on a mini-batch. The
// learning rate decays once per new epoch.
func (nn *NeuralNetwork) Train(epoch int, x, y [][]float64) error {
	if epoch != nn.epoch {
		if nn.epoch > 0 && nn.params.Decay > 0 {
			nn.params.Lr *= nn.params.Decay
		}
		nn.epoch = epoch
	}
	total, err := nn.accumulate(x, y)
	if err != nil {
		for _, p := range nn.allParams() {
			clear(p.Grad)
		}
		return err
	}
	if err := nn.opt.Apply(&nn.params, nn.allParams(), len(x)); err != nil {
		return err
	}
	for _, p := range nn.allParams() {
		for _, v := range p.Value {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite parameter after epoch %d update", ErrDiverged, epoch)
			}
		}
	}
	nn.trainLoss += total
	nn.trainCount += len(x)
	return nil
}

// TrainLoss returns the mean training loss since the previous call.
func (nn *NeuralNetwork) TrainLoss() float64 {
	if nn.trainCount == 0 {
		return 0
	}
	l := nn.trainLoss / float64(nn.trainCount)
	nn.trainLoss, nn.trainCount = 0, 0
	return l
}

// Test evaluates without updating and returns the accuracy. For regression
// heads the accuracy is the coefficient of determination averaged over outputs.
func (nn *NeuralNetwork) Test(x, y [][]float64, printConfusion bool) (float64, error) {
	if len(x) == 0 || len(x) != len(y) {
		return 0, fmt.Errorf("%w: %d inputs and %d labels", ErrBadBatch, len(x), len(y))
	}
	outputs := make([][]float64, len(x))
	var total float64
	for i := range x {
		out, err := nn.forward(x[i])
		if err != nil {
			return 0, err
		}
		t, err := nn.target(y[i])
		if err != nil {
			return 0, err
		}
		total += nn.loss.Compute(out, t)
		outputs[i] = out
	}
	loss := total / float64(len(x))
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: test loss %v", ErrDiverged, loss)
	}

	var acc float64
	if nn.kind == KindRegression {
		acc = rSquared(outputs, y)
	} else {
		confusion := make([][]int, nn.Outputs())
		for i := range confusion {
			confusion[i] = make([]int, nn.Outputs())
		}
		correct := 0
		for i, out := range outputs {
			pred, want := floats.MaxIdx(out), int(y[i][0])
			confusion[want][pred]++
			if pred == want {
				correct++
			}
		}
		acc = float64(correct) / float64(len(x))
		if printConfusion {
			nn.logger.Debug("confusion matrix", "rows_true_cols_predicted", formatConfusion(confusion))
		}
	}
	nn.last = Metric{Loss: loss, Accuracy: acc}
	return acc, nil
}

func rSquared(outputs, y [][]float64) float64 {
	dims := len(y[0])
	est, val := make([]float64, len(y)), make([]float64, len(y))
	var sum float64
	for d := 0; d < dims; d++ {
		for i := range y {
			est[i], val[i] = outputs[i][d], y[i][d]
		}
		r := stat.RSquaredFrom(est, val, nil)
		if math.IsNaN(r) {
			r = 0
		}
		sum += r
	}
	return sum / float64(dims)
}

func formatConfusion(m [][]int) string {
	var sb strings.Builder
	for i, row := range m {
		if i > 0 {
			sb.WriteString(" | ")
		}
		for j, v := range row {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d", v)
		}
	}
	return sb.String()
}

// TestLossString renders the most recent Test result as "loss/accuracy".
func (nn *NeuralNetwork) TestLossString() string {
	return fmt.Sprintf("%.6f/%.4f", nn.last.Loss, nn.last.Accuracy)
}

// SaveValidationLoss appends the most recent Test result to the validation log.
func (nn *NeuralNetwork) SaveValidationLoss() {
	nn.validationLog = append(nn.validationLog, nn.last)
}

// SaveTestLoss appends the most recent Test result to the test log.
func (nn *NeuralNetwork) SaveTestLoss() {
	nn.testLog = append(nn.testLog, nn.last)
}

// ValidationLog returns a copy of the per-fold validation metrics.
func (nn *NeuralNetwork) ValidationLog() []Metric {
	return append([]Metric(nil), nn.validationLog...)
}

// TestLog returns a copy of the per-fold test metrics.
func (nn *NeuralNetwork) TestLog() []Metric {
	return append([]Metric(nil), nn.testLog...)
}

// Fitness is the cross-validated score: mean validation accuracy when
// maximizing, mean validation loss when minimizing. Without any saved fold
// it is the worst value for the direction.
func (nn *NeuralNetwork) Fitness() float64 {
	if len(nn.validationLog) == 0 {
		if nn.spec.Maximize {
			return math.Inf(-1)
		}
		return math.Inf(1)
	}
	vals := make([]float64, len(nn.validationLog))
	for i, m := range nn.validationLog {
		if nn.spec.Maximize {
			vals[i] = m.Accuracy
		} else {
			vals[i] = m.Loss
		}
	}
	return stat.Mean(vals, nil)
}

func (nn *NeuralNetwork) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s input=%s\n", nn.kind, nn.spec.Input)
	for i, l := range nn.convs {
		fmt.Fprintf(&sb, "Layer %d: %s => %s\n", i, l.spec, l.out)
	}
	for i, w := range nn.spec.FCN[1:] {
		fmt.Fprintf(&sb, "Layer %d: dense(%d => %d)\n", len(nn.convs)+i, nn.spec.FCN[i], w)
	}
	return sb.String()
}
