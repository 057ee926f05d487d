package fitness

import (
	"gonevo/neuralnet"
)

// Model is the trainable network driven by the cross-validation loop.
// *neuralnet.NeuralNetwork implements it.
type Model interface {
	ReinitializeParams()
	Train(epoch int, x, y [][]float64) error
	// TrainLoss is the mean training loss since the previous call.
	TrainLoss() float64
	Test(x, y [][]float64, printConfusion bool) (float64, error)
	TestLossString() string
	SaveValidationLoss()
	SaveTestLoss()
	Fitness() float64
	ValidationLog() []neuralnet.Metric
	TestLog() []neuralnet.Metric
}

var _ Model = (*neuralnet.NeuralNetwork)(nil)

// ModelFactory builds the model for one individual.
type ModelFactory func(kind neuralnet.Kind, spec neuralnet.Spec) (Model, error)

// NetworkFactory builds networks through the neuralnet registry.
func NetworkFactory(kind neuralnet.Kind, spec neuralnet.Spec) (Model, error) {
	nn, err := neuralnet.New(kind, spec)
	if err != nil {
		return nil, err
	}
	return nn, nil
}
