package neuralnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"gonevo/architecture"
)

// convLayer is a convolution, a ReLU and an optional max pool.
type convLayer struct {
	spec    architecture.ConvLayer
	in      architecture.Shape
	conv    architecture.Shape // before pooling
	out     architecture.Shape
	weights *Param // F x C x K x K
	bias    *Param // F

	// per-sample caches for backward
	input  []float64
	pre    []float64
	argmax []int
}

func newConvLayer(spec architecture.ConvLayer, in architecture.Shape) (*convLayer, error) {
	out, err := spec.OutputShape(in)
	if err != nil {
		return nil, err
	}
	conv := architecture.Shape{
		C: spec.Filters,
		H: architecture.ConvExtent(in.H, spec.Kernel, spec.Stride, spec.Padding),
		W: architecture.ConvExtent(in.W, spec.Kernel, spec.Stride, spec.Padding),
	}
	return &convLayer{
		spec:    spec,
		in:      in,
		conv:    conv,
		out:     out,
		weights: newParam(spec.Filters * in.C * spec.Kernel * spec.Kernel),
		bias:    newParam(spec.Filters),
	}, nil
}

func (l *convLayer) init(rng *rand.Rand) {
	k2 := l.spec.Kernel * l.spec.Kernel
	for i := range l.weights.Value {
		l.weights.Value[i] = xavierInit(rng, l.in.C*k2, l.spec.Filters*k2)
	}
	for i := range l.bias.Value {
		l.bias.Value[i] = 0
	}
}

func (l *convLayer) forward(x []float64) []float64 {
	l.input = x
	in, cv, k, s, p := l.in, l.conv, l.spec.Kernel, l.spec.Stride, l.spec.Padding
	w := l.weights.Value
	pre := make([]float64, cv.Size())
	for f := 0; f < cv.C; f++ {
		for oy := 0; oy < cv.H; oy++ {
			for ox := 0; ox < cv.W; ox++ {
				sum := l.bias.Value[f]
				for c := 0; c < in.C; c++ {
					for ky := 0; ky < k; ky++ {
						iy := oy*s + ky - p
						if iy < 0 || iy >= in.H {
							continue
						}
						wrow := ((f*in.C+c)*k + ky) * k
						xrow := (c*in.H + iy) * in.W
						for kx := 0; kx < k; kx++ {
							ix := ox*s + kx - p
							if ix < 0 || ix >= in.W {
								continue
							}
							sum += w[wrow+kx] * x[xrow+ix]
						}
					}
				}
				pre[(f*cv.H+oy)*cv.W+ox] = sum
			}
		}
	}
	l.pre = pre
	act := make([]float64, len(pre))
	for i, v := range pre {
		act[i] = math.Max(v, 0)
	}
	if !l.spec.Pooled() {
		return act
	}
	return l.pool(act)
}

func (l *convLayer) pool(act []float64) []float64 {
	cv, out := l.conv, l.out
	size := l.spec.PoolSize
	stride := l.spec.PoolStride
	if stride <= 0 {
		stride = size
	}
	res := make([]float64, out.Size())
	l.argmax = make([]int, out.Size())
	for c := 0; c < out.C; c++ {
		for py := 0; py < out.H; py++ {
			for px := 0; px < out.W; px++ {
				best, bestIdx := math.Inf(-1), -1
				for dy := 0; dy < size; dy++ {
					for dx := 0; dx < size; dx++ {
						idx := (c*cv.H+py*stride+dy)*cv.W + px*stride + dx
						if act[idx] > best {
							best, bestIdx = act[idx], idx
						}
					}
				}
				o := (c*out.H+py)*out.W + px
				res[o], l.argmax[o] = best, bestIdx
			}
		}
	}
	return res
}

// backward accumulates parameter gradients and returns ∂L/∂input.
func (l *convLayer) backward(dOut []float64) []float64 {
	dAct := dOut
	if l.spec.Pooled() {
		dAct = make([]float64, l.conv.Size())
		for o, idx := range l.argmax {
			dAct[idx] += dOut[o]
		}
	}
	in, cv, k, s, p := l.in, l.conv, l.spec.Kernel, l.spec.Stride, l.spec.Padding
	w, gw, gb := l.weights.Value, l.weights.Grad, l.bias.Grad
	dx := make([]float64, in.Size())
	for f := 0; f < cv.C; f++ {
		for oy := 0; oy < cv.H; oy++ {
			for ox := 0; ox < cv.W; ox++ {
				o := (f*cv.H+oy)*cv.W + ox
				if l.pre[o] <= 0 {
					continue
				}
				d := dAct[o]
				gb[f] += d
				for c := 0; c < in.C; c++ {
					for ky := 0; ky < k; ky++ {
						iy := oy*s + ky - p
						if iy < 0 || iy >= in.H {
							continue
						}
						wrow := ((f*in.C+c)*k + ky) * k
						xrow := (c*in.H + iy) * in.W
						for kx := 0; kx < k; kx++ {
							ix := ox*s + kx - p
							if ix < 0 || ix >= in.W {
								continue
							}
							gw[wrow+kx] += d * l.input[xrow+ix]
							dx[xrow+ix] += d * w[wrow+kx]
						}
					}
				}
			}
		}
	}
	return dx
}

// denseLayer is a fully connected layer backed by gonum matrices that share
// storage with its Params.
type denseLayer struct {
	activation ActivationFunction
	weights    *Param
	bias       *Param
	w, gw      *mat.Dense
	b, gb      *mat.VecDense

	input *mat.VecDense
	pre   *mat.VecDense
}

func newDenseLayer(in, out int, activation ActivationFunction) *denseLayer {
	l := &denseLayer{
		activation: activation,
		weights:    newParam(out * in),
		bias:       newParam(out),
	}
	l.w = mat.NewDense(out, in, l.weights.Value)
	l.gw = mat.NewDense(out, in, l.weights.Grad)
	l.b = mat.NewVecDense(out, l.bias.Value)
	l.gb = mat.NewVecDense(out, l.bias.Grad)
	return l
}

func (l *denseLayer) init(rng *rand.Rand) {
	out, in := l.w.Dims()
	for i := range l.weights.Value {
		l.weights.Value[i] = xavierInit(rng, in, out)
	}
	for i := range l.bias.Value {
		l.bias.Value[i] = 0
	}
}

func (l *denseLayer) forward(x []float64) []float64 {
	l.input = mat.NewVecDense(len(x), x)
	out, _ := l.w.Dims()
	pre := mat.NewVecDense(out, nil)
	pre.MulVec(l.w, l.input)
	pre.AddVec(pre, l.b)
	l.pre = pre
	act := make([]float64, out)
	for i := range act {
		act[i] = l.activation.Activate(pre.AtVec(i))
	}
	return act
}

func (l *denseLayer) backward(dOut []float64) []float64 {
	delta := mat.NewVecDense(len(dOut), nil)
	for i, d := range dOut {
		delta.SetVec(i, d*l.activation.Derivative(l.pre.AtVec(i)))
	}
	l.gw.RankOne(l.gw, 1, delta, l.input)
	l.gb.AddVec(l.gb, delta)
	_, in := l.w.Dims()
	dx := mat.NewVecDense(in, nil)
	dx.MulVec(l.w.T(), delta)
	return dx.RawVector().Data
}

func xavierInit(rng *rand.Rand, numInputs int, numOutputs int) float64 {
	limit := math.Sqrt(6.0 / float64(numInputs+numOutputs))
	return 2*rng.Float64()*limit - limit
}
