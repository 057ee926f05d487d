package architecture

import (
	"fmt"
)

// Derived is a shape-checked convolution stack.
type Derived struct {
	Input  Shape
	Layers []ConvLayer
	// Shapes[i] is the output of Layers[i].
	Shapes []Shape
	// FlattenSize is the width of the first fully connected layer.
	FlattenSize int
}

// Output is the shape leaving the last layer, or the input for an empty stack.
func (d *Derived) Output() Shape {
	if len(d.Shapes) == 0 {
		return d.Input
	}
	return d.Shapes[len(d.Shapes)-1]
}

// Derive applies program to a copy of base and checks every layer's shape
// against input. Base is never modified.
func Derive(program Program, input Shape, base []ConvLayer) (*Derived, error) {
	if input.C <= 0 || input.H <= 0 || input.W <= 0 {
		return nil, fmt.Errorf("%w: input %s", ErrDegenerateShape, input)
	}
	layers := append([]ConvLayer(nil), base...)
	for _, op := range program {
		var err error
		if layers, err = op.Apply(layers); err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name(), err)
		}
	}
	shapes, err := OutputShapes(layers, input)
	if err != nil {
		return nil, err
	}
	d := &Derived{Input: input, Layers: layers, Shapes: shapes}
	d.FlattenSize = d.Output().Size()
	return d, nil
}

// Cost counts the trainable values and per-example activations of the stack
// followed by fully connected widths fcn. It saturates at math.MaxInt.
func (d *Derived) Cost(fcn []int) int {
	total := 0
	in := d.Input
	for i, l := range d.Layers {
		weights := satAdd(satMul(satMul(l.Filters, in.C), satMul(l.Kernel, l.Kernel)), l.Filters)
		conv := Shape{
			C: l.Filters,
			H: ConvExtent(in.H, l.Kernel, l.Stride, l.Padding),
			W: ConvExtent(in.W, l.Kernel, l.Stride, l.Padding),
		}
		total = satAdd(total, satAdd(weights, satAdd(conv.Size(), d.Shapes[i].Size())))
		in = d.Shapes[i]
	}
	for i := 1; i < len(fcn); i++ {
		total = satAdd(total, satAdd(satMul(fcn[i-1], fcn[i]), satMul(2, fcn[i])))
	}
	return total
}

// Classifier returns the fully connected widths with the input width replaced
// by flatten. The configured slice is left untouched.
func Classifier(fcn []int, flatten int) ([]int, error) {
	if len(fcn) < 2 {
		return nil, fmt.Errorf("%w: classifier needs an input and an output width, got %v", ErrInvalidLayer, fcn)
	}
	if flatten <= 0 {
		return nil, fmt.Errorf("%w: flatten size %d", ErrDegenerateShape, flatten)
	}
	out := append([]int(nil), fcn...)
	out[0] = flatten
	return out, nil
}
