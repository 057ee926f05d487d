package architecture

import (
	"fmt"

	"gonevo/instr"
)

// Op edits a list of convolution layers.
type Op interface {
	Name() string
	Apply(layers []ConvLayer) ([]ConvLayer, error)
}

// Program is an evolved sequence of edits over the base convolution layers.
// The empty program reuses the base layers unchanged.
type Program []Op

func (p Program) String() string {
	if len(p) == 0 {
		return "identity"
	}
	s := ""
	for i, op := range p {
		if i > 0 {
			s += "; "
		}
		s += op.Name()
	}
	return s
}

// Identity keeps the layers as they are.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Apply(layers []ConvLayer) ([]ConvLayer, error) { return layers, nil }

// Add appends a new layer after the last one.
type Add struct{ Layer ConvLayer }

func (o Add) Name() string { return fmt.Sprintf("add(%s)", o.Layer) }

func (o Add) Apply(layers []ConvLayer) ([]ConvLayer, error) {
	return append(append(make([]ConvLayer, 0, len(layers)+1), layers...), o.Layer), nil
}

// Insert places a new layer before index At. At equal to the length appends.
type Insert struct {
	At    int
	Layer ConvLayer
}

func (o Insert) Name() string { return fmt.Sprintf("insert(%d, %s)", o.At, o.Layer) }

func (o Insert) Apply(layers []ConvLayer) ([]ConvLayer, error) {
	if o.At < 0 || o.At > len(layers) {
		return nil, fmt.Errorf("%w: insert at %d of %d layers", ErrInvalidLayer, o.At, len(layers))
	}
	out := make([]ConvLayer, 0, len(layers)+1)
	out = append(out, layers[:o.At]...)
	out = append(out, o.Layer)
	return append(out, layers[o.At:]...), nil
}

// Drop removes the layer at index At.
type Drop struct{ At int }

func (o Drop) Name() string { return fmt.Sprintf("drop(%d)", o.At) }

func (o Drop) Apply(layers []ConvLayer) ([]ConvLayer, error) {
	if o.At < 0 || o.At >= len(layers) {
		return nil, fmt.Errorf("%w: drop %d of %d layers", ErrInvalidLayer, o.At, len(layers))
	}
	out := make([]ConvLayer, 0, len(layers)-1)
	out = append(out, layers[:o.At]...)
	return append(out, layers[o.At+1:]...), nil
}

// Set overwrites one field of the layer at index At.
type Set struct {
	At    int
	Field string
	Value int
}

func (o Set) Name() string { return fmt.Sprintf("%s(%d,%d)", o.Field, o.At, o.Value) }

func (o Set) Apply(layers []ConvLayer) ([]ConvLayer, error) {
	if o.At < 0 || o.At >= len(layers) {
		return nil, fmt.Errorf("%w: %s on layer %d of %d", ErrInvalidLayer, o.Field, o.At, len(layers))
	}
	out := append([]ConvLayer(nil), layers...)
	l := &out[o.At]
	switch o.Field {
	case "filters":
		l.Filters = o.Value
	case "kernel":
		l.Kernel = o.Value
	case "stride":
		l.Stride = o.Value
	case "pad":
		l.Padding = o.Value
	case "pool":
		l.PoolSize, l.PoolStride = o.Value, 0
	default:
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidLayer, o.Field)
	}
	return out, nil
}

// Parse decodes the textual architecture program, e.g.
//
//	add(64,3,1,1,2); stride(0,2); drop(1)
func Parse(text string) (Program, error) {
	calls, err := instr.Parse(text)
	if err != nil {
		return nil, err
	}
	prog := make(Program, 0, len(calls))
	for _, c := range calls {
		op, err := decode(c)
		if err != nil {
			return nil, err
		}
		prog = append(prog, op)
	}
	return prog, nil
}

func decode(c instr.Call) (Op, error) {
	args, err := c.Ints()
	if err != nil {
		return nil, err
	}
	arity := func(min, max int) error {
		if len(args) < min || len(args) > max {
			return fmt.Errorf("%w: %s takes %d..%d arguments, got %d", instr.ErrSyntax, c.Name, min, max, len(args))
		}
		return nil
	}
	layer := func(a []int) ConvLayer {
		l := ConvLayer{Filters: a[0], Kernel: a[1], Stride: a[2], Padding: a[3]}
		if len(a) > 4 {
			l.PoolSize = a[4]
		}
		return l
	}
	switch c.Name {
	case "identity":
		return Identity{}, arity(0, 0)
	case "add":
		if err := arity(4, 5); err != nil {
			return nil, err
		}
		return Add{Layer: layer(args)}, nil
	case "insert":
		if err := arity(5, 6); err != nil {
			return nil, err
		}
		return Insert{At: args[0], Layer: layer(args[1:])}, nil
	case "drop":
		if err := arity(1, 1); err != nil {
			return nil, err
		}
		return Drop{At: args[0]}, nil
	case "filters", "kernel", "stride", "pad", "pool":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return Set{At: args[0], Field: c.Name, Value: args[1]}, nil
	}
	return nil, fmt.Errorf("%w: unknown architecture instruction %q", instr.ErrSyntax, c.Name)
}
