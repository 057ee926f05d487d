package neuralnet

import "errors"

// Params holds the training hyper-parameters of a network.
type Params struct {
	Lr       float64
	Decay    float64
	L2       float64
	Momentum float64
}

// Param is one trainable tensor with its accumulated gradient and velocity.
type Param struct {
	Value    []float64
	Grad     []float64
	Velocity []float64
}

func newParam(n int) *Param {
	return &Param{Value: make([]float64, n), Grad: make([]float64, n), Velocity: make([]float64, n)}
}

// Optimizer defines interface to apply averaged gradients.
type Optimizer interface {
	Apply(p *Params, params []*Param, batchSize int) error
}

// SGD implements stochastic gradient descent with momentum and L2 weight decay.
type SGD struct{}

// Apply averages the accumulated gradients over batchSize, updates every
// parameter and clears the gradients.
func (o *SGD) Apply(p *Params, params []*Param, batchSize int) error {
	if batchSize <= 0 {
		return errors.New("invalid batch size")
	}
	scale := 1 / float64(batchSize)
	for _, param := range params {
		for k := range param.Value {
			g := param.Grad[k] * scale
			param.Velocity[k] = p.Momentum*param.Velocity[k] - p.Lr*g
			param.Value[k] += param.Velocity[k] - p.Lr*p.L2*param.Value[k]
			param.Grad[k] = 0
		}
	}
	return nil
}
