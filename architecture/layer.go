package architecture

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDegenerateShape is returned when a layer would produce a zero or negative extent.
	ErrDegenerateShape = errors.New("degenerate layer output")
	// ErrInvalidLayer is returned for layer parameters that cannot be applied at all.
	ErrInvalidLayer = errors.New("invalid layer")
)

// Shape is a channels-first image shape.
type Shape struct {
	C int `yaml:"c"`
	H int `yaml:"h"`
	W int `yaml:"w"`
}

// Size is the number of values in a tensor of this shape, saturating at
// math.MaxInt.
func (s Shape) Size() int {
	return satMul(satMul(s.C, s.H), s.W)
}

// satMul and satAdd work on non-negative operands.
func satMul(a, b int) int {
	if a != 0 && b > math.MaxInt/a {
		return math.MaxInt
	}
	return a * b
}

func satAdd(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.C, s.H, s.W)
}

// ConvLayer describes one convolution followed by an optional max pool.
// PoolSize 0 (or 1) means no pooling. PoolStride 0 defaults to PoolSize.
type ConvLayer struct {
	Filters    int `yaml:"filters" validate:"gt=0"`
	Kernel     int `yaml:"kernel" validate:"gt=0"`
	Stride     int `yaml:"stride" validate:"gt=0"`
	Padding    int `yaml:"padding" validate:"gte=0"`
	PoolSize   int `yaml:"pool_size" validate:"gte=0"`
	PoolStride int `yaml:"pool_stride" validate:"gte=0"`
}

func (l ConvLayer) String() string {
	s := fmt.Sprintf("conv(f=%d k=%d s=%d p=%d)", l.Filters, l.Kernel, l.Stride, l.Padding)
	if l.Pooled() {
		s += fmt.Sprintf(" pool(k=%d s=%d)", l.PoolSize, l.poolStride())
	}
	return s
}

// Pooled reports whether the layer ends with a max pool.
func (l ConvLayer) Pooled() bool {
	return l.PoolSize > 1
}

func (l ConvLayer) poolStride() int {
	if l.PoolStride > 0 {
		return l.PoolStride
	}
	return l.PoolSize
}

// ConvExtent returns the spatial extent after the convolution only.
func ConvExtent(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// OutputShape computes the shape after the convolution and pooling of l.
func (l ConvLayer) OutputShape(in Shape) (Shape, error) {
	if l.Filters <= 0 || l.Kernel <= 0 || l.Stride <= 0 || l.Padding < 0 || l.PoolSize < 0 || l.PoolStride < 0 {
		return Shape{}, fmt.Errorf("%w: %s", ErrInvalidLayer, l)
	}
	if in.C <= 0 || in.H <= 0 || in.W <= 0 {
		return Shape{}, fmt.Errorf("%w: input %s", ErrDegenerateShape, in)
	}
	// floor division on a negative numerator must not round towards zero
	if in.H+2*l.Padding < l.Kernel || in.W+2*l.Padding < l.Kernel {
		return Shape{}, fmt.Errorf("%w: kernel %d larger than padded input %s", ErrDegenerateShape, l.Kernel, in)
	}
	out := Shape{
		C: l.Filters,
		H: ConvExtent(in.H, l.Kernel, l.Stride, l.Padding),
		W: ConvExtent(in.W, l.Kernel, l.Stride, l.Padding),
	}
	if l.Pooled() {
		if out.H < l.PoolSize || out.W < l.PoolSize {
			return Shape{}, fmt.Errorf("%w: pool %d larger than %s", ErrDegenerateShape, l.PoolSize, out)
		}
		out.H = ConvExtent(out.H, l.PoolSize, l.poolStride(), 0)
		out.W = ConvExtent(out.W, l.PoolSize, l.poolStride(), 0)
	}
	if out.H <= 0 || out.W <= 0 {
		return Shape{}, fmt.Errorf("%w: %s", ErrDegenerateShape, out)
	}
	return out, nil
}

// OutputShapes chains OutputShape over layers starting at in.
func OutputShapes(layers []ConvLayer, in Shape) ([]Shape, error) {
	shapes := make([]Shape, 0, len(layers))
	cur := in
	for i, l := range layers {
		next, err := l.OutputShape(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		shapes = append(shapes, next)
		cur = next
	}
	return shapes, nil
}
