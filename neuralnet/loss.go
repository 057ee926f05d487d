package neuralnet

import "math"

// LossFunction defines the interface for computing loss and its gradient.
type LossFunction interface {
	// Compute returns the loss value given the head output and the target.
	Compute(output []float64, target []float64) float64
	// Gradient returns ∂L/∂logits for each output neuron.
	Gradient(output []float64, target []float64) []float64
}

// CrossEntropy implements categorical cross-entropy over softmax probabilities
// and a one-hot target.
type CrossEntropy struct{}

// Compute returns the cross-entropy loss.
func (ce *CrossEntropy) Compute(output []float64, target []float64) float64 {
	var loss float64
	for i := range output {
		p := output[i]
		if p < 1e-15 {
			p = 1e-15
		}
		loss -= target[i] * math.Log(p)
	}
	return loss
}

// Gradient returns the derivative of softmax + cross-entropy wrt logits: (output - target).
func (ce *CrossEntropy) Gradient(output []float64, target []float64) []float64 {
	grad := make([]float64, len(output))
	for i := range output {
		grad[i] = output[i] - target[i]
	}
	return grad
}

// MeanSquared implements half the summed squared error of a linear head.
type MeanSquared struct{}

// Compute returns 0.5 * Σ (output - target)².
func (ms *MeanSquared) Compute(output []float64, target []float64) float64 {
	var loss float64
	for i := range output {
		d := output[i] - target[i]
		loss += d * d
	}
	return loss / 2
}

// Gradient returns (output - target).
func (ms *MeanSquared) Gradient(output []float64, target []float64) []float64 {
	grad := make([]float64, len(output))
	for i := range output {
		grad[i] = output[i] - target[i]
	}
	return grad
}
