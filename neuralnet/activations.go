package neuralnet

import (
	"fmt"
	"math"
)

type ActivationFunction interface {
	Activate(x float64) float64
	Derivative(x float64) float64
}

// ActivationByName resolves the activation names accepted in configuration.
func ActivationByName(name string) (ActivationFunction, error) {
	switch name {
	case "", "relu":
		return ReLU{}, nil
	case "leaky_relu":
		return NewLeakyReLU(0.01), nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "tanh":
		return Tanh{}, nil
	case "linear":
		return Linear{}, nil
	}
	return nil, fmt.Errorf("unknown activation %q", name)
}

type ReLU struct{}

func (r ReLU) Activate(x float64) float64 {
	return math.Max(x, 0)
}

func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

type LeakyReLU struct {
	alpha float64
}

func NewLeakyReLU(alpha float64) LeakyReLU {
	return LeakyReLU{alpha: alpha}
}

func (l LeakyReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return l.alpha * x
}

func (l LeakyReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return l.alpha
}

type Sigmoid struct{}

func (s Sigmoid) Activate(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (s Sigmoid) Derivative(x float64) float64 {
	sigmoid := s.Activate(x)
	return sigmoid * (1 - sigmoid)
}

type Tanh struct{}

func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

func (t Tanh) Derivative(x float64) float64 {
	tanh := t.Activate(x)
	return 1 - tanh*tanh
}

type Linear struct{}

func (t Linear) Activate(x float64) float64 {
	return x
}

func (t Linear) Derivative(x float64) float64 {
	return 1
}

// Softmax turns logits into probabilities. The max logit is subtracted first.
func Softmax(output []float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range output {
		maxV = math.Max(maxV, v)
	}
	expValues := make([]float64, len(output))
	var sum float64
	for i, value := range output {
		expValues[i] = math.Exp(value - maxV)
		sum += expValues[i]
	}
	for i := range expValues {
		expValues[i] /= sum
	}
	return expValues
}
