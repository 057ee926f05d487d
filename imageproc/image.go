package imageproc

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Image is a channels-first float image. Pix has C*H*W values, channel major.
type Image struct {
	C, H, W int
	Pix     []float32
}

// NewImage allocates a zeroed image.
func NewImage(c, h, w int) *Image {
	return &Image{C: c, H: h, W: w, Pix: make([]float32, c*h*w)}
}

// FromTensor views a C x H x W float32 tensor as an Image. Pixels are copied.
func FromTensor(t *tensor.Dense) (*Image, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: want a 3-d image tensor, got shape %v", ErrTransform, shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: want float32 pixels, got %T", ErrTransform, t.Data())
	}
	img := &Image{C: shape[0], H: shape[1], W: shape[2], Pix: make([]float32, len(data))}
	copy(img.Pix, data)
	return img, nil
}

// Tensor returns the image as a C x H x W tensor sharing Pix.
func (m *Image) Tensor() *tensor.Dense {
	return tensor.New(tensor.WithShape(m.C, m.H, m.W), tensor.WithBacking(m.Pix))
}

// At returns the value at channel c, row y, column x.
func (m *Image) At(c, y, x int) float32 {
	return m.Pix[(c*m.H+y)*m.W+x]
}

// Set stores v at channel c, row y, column x.
func (m *Image) Set(c, y, x int, v float32) {
	m.Pix[(c*m.H+y)*m.W+x] = v
}

// SameShape reports whether m and o have identical dimensions.
func (m *Image) SameShape(o *Image) bool {
	return m.C == o.C && m.H == o.H && m.W == o.W
}

func (m *Image) shapeString() string {
	return fmt.Sprintf("(%d, %d, %d)", m.C, m.H, m.W)
}
