package imageproc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"gonevo/instr"
)

// ramp builds a c x h x w image whose value at (c, y, x) is c*100 + y*10 + x.
func ramp(c, h, w int) *Image {
	img := NewImage(c, h, w)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(ch, y, x, float32(ch*100+y*10+x))
			}
		}
	}
	return img
}

func TestGeometry(t *testing.T) {
	img := ramp(1, 2, 3)

	out, err := FlipH().Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, 0, 12, 11, 10}, out.Pix)

	out, err = FlipV().Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 11, 12, 0, 1, 2}, out.Pix)

	out, err = Rot90().Apply(img)
	require.NoError(t, err)
	assert.Equal(t, 3, out.H)
	assert.Equal(t, 2, out.W)
	assert.Equal(t, []float32{2, 12, 1, 11, 0, 10}, out.Pix)

	out, err = Crop(1, 0, 2, 2).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 11, 12}, out.Pix)

	out, err = CenterCrop(2, 1).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 11}, out.Pix)
}

func TestPixelOps(t *testing.T) {
	img := &Image{C: 1, H: 1, W: 3, Pix: []float32{0, 0.25, 1}}

	out, err := Invert().Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.75, 0}, out.Pix)

	out, err = Threshold(0.5).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, out.Pix)

	out, err = Brightness(1).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1.25, 2}, out.Pix)
	assert.Equal(t, []float32{0, 0.25, 1}, img.Pix, "input modified")
}

func TestGrayscale(t *testing.T) {
	img := &Image{C: 3, H: 1, W: 1, Pix: []float32{1, 1, 1}}
	out, err := Grayscale().Apply(img)
	require.NoError(t, err)
	assert.Equal(t, 1, out.C)
	assert.InDelta(t, 1.0, out.Pix[0], 1e-6)

	_, err = Grayscale().Apply(NewImage(2, 1, 1))
	assert.ErrorIs(t, err, ErrTransform)
}

func TestResize(t *testing.T) {
	img := &Image{C: 1, H: 2, W: 2, Pix: []float32{1, 1, 1, 1}}
	out, err := Resize(4, 6).Apply(img)
	require.NoError(t, err)
	assert.Equal(t, 4, out.H)
	assert.Equal(t, 6, out.W)
	for _, v := range out.Pix {
		assert.InDelta(t, 1.0, v, 1e-6)
	}
	_, err = Resize(0, 2).Apply(img)
	assert.ErrorIs(t, err, ErrTransform)
}

func TestBlurAndContrast(t *testing.T) {
	img := &Image{C: 1, H: 3, W: 3, Pix: []float32{0, 0, 0, 0, 9, 0, 0, 0, 0}}
	out, err := Blur(3).Apply(img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.At(0, 1, 1), 1e-6)

	_, err = Blur(2).Apply(img)
	assert.ErrorIs(t, err, ErrTransform)

	out, err = Contrast(0).Apply(img)
	require.NoError(t, err)
	for _, v := range out.Pix {
		assert.InDelta(t, 1.0, v, 1e-6)
	}
}

func TestCropOutsideImage(t *testing.T) {
	_, err := Crop(2, 2, 4, 4).Apply(NewImage(1, 4, 4))
	assert.ErrorIs(t, err, ErrTransform)
}

func TestParse(t *testing.T) {
	prog, err := Parse("grayscale; crop(0,0,2,2); resize(4,4); brightness(0.1); blur(3)")
	require.NoError(t, err)
	assert.Equal(t, "grayscale; crop(0,0,2,2); resize(4,4); brightness(0.1); blur(3)", prog.String())

	empty, err := Parse("")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Equal(t, "identity", empty.String())

	for _, bad := range []string{"sharpen", "crop(1,2)", "resize(2.5,3)", "invert(1)"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, instr.ErrSyntax, bad)
	}
}

func tensors(imgs ...*Image) []*tensor.Dense {
	out := make([]*tensor.Dense, len(imgs))
	for i, img := range imgs {
		out[i] = img.Tensor()
	}
	return out
}

func TestProcess(t *testing.T) {
	p := &Processor{Workers: 2}
	prog, err := Parse("flip_h")
	require.NoError(t, err)

	batch, err := p.Process(tensors(ramp(3, 4, 4), ramp(3, 4, 4), ramp(3, 4, 4)), prog, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 2, 2}, []int(batch.Shape()))

	_, err = p.Process(tensors(ramp(1, 4, 4)), Program{Crop(0, 0, 8, 8)}, nil)
	assert.ErrorIs(t, err, ErrTransform)
}

func TestProcessShapeMismatch(t *testing.T) {
	p := &Processor{}
	_, err := p.Process(tensors(ramp(1, 4, 4), ramp(1, 5, 5)), Program{}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestProcessLeavesInputs(t *testing.T) {
	src := ramp(1, 2, 2)
	before := append([]float32(nil), src.Pix...)
	_, err := (&Processor{}).Process(tensors(src), Program{Invert()}, nil)
	require.NoError(t, err)
	assert.Equal(t, before, src.Pix)
}

func TestRunBoundsOutputSize(t *testing.T) {
	img := ramp(3, 4, 4)
	_, err := Program{Resize(3037000500, 3037000500)}.Run(img, 0)
	assert.ErrorIs(t, err, ErrTransform)
	_, err = Program{Resize(60000, 60000)}.Run(img, 0)
	assert.ErrorIs(t, err, ErrTransform)

	_, err = Program{Resize(8, 8)}.Run(img, 3*8*8-1)
	assert.ErrorIs(t, err, ErrTransform)
	out, err := Program{Resize(8, 8)}.Run(img, 3*8*8)
	require.NoError(t, err)
	assert.Equal(t, 8, out.W)
}

type panicking struct{}

func (panicking) Name() string { return "panicking" }

func (panicking) Apply(*Image) (*Image, error) { panic("index out of range") }

func TestProcessRecoversWorkerPanic(t *testing.T) {
	p := &Processor{Workers: 2}
	_, err := p.Process(tensors(ramp(1, 4, 4), ramp(1, 4, 4)), Program{panicking{}}, nil)
	assert.ErrorIs(t, err, ErrTransform)
	assert.Contains(t, err.Error(), "index out of range")

	_, err = (&Processor{MaxPixels: 100}).Process(tensors(ramp(1, 4, 4)), Program{}, []int{16, 16})
	assert.ErrorIs(t, err, ErrTransform)
}

func TestNormalizeByChannel(t *testing.T) {
	train := tensor.New(tensor.WithShape(2, 2, 1, 2), tensor.WithBacking([]float32{
		0, 2, 5, 5,
		4, 6, 5, 5,
	}))
	out, mean, std, err := NormalizeByChannel(train, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, mean[0], 1e-9)
	assert.InDelta(t, 5.0, mean[1], 1e-9)
	assert.Equal(t, 1.0, std[1], "zero variance channel")

	// channel 0 standardizes to mean 0, sample std 1
	pix := out.Data().([]float32)
	ch0 := []float64{float64(pix[0]), float64(pix[1]), float64(pix[4]), float64(pix[5])}
	var sum, sq float64
	for _, v := range ch0 {
		sum += v
	}
	for _, v := range ch0 {
		sq += (v - sum/4) * (v - sum/4)
	}
	assert.InDelta(t, 0.0, sum/4, 1e-6)
	assert.InDelta(t, 1.0, math.Sqrt(sq/3), 1e-6)
	assert.Equal(t, float32(0), pix[2])

	test := tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.WithBacking([]float32{3, 3, 6, 6}))
	norm, m2, s2, err := NormalizeByChannel(test, mean, std)
	require.NoError(t, err)
	assert.Equal(t, mean, m2, "statistics recomputed")
	assert.Equal(t, std, s2)
	assert.Equal(t, []float32{0, 0, 1, 1}, norm.Data().([]float32))

	_, _, _, err = NormalizeByChannel(test, []float64{0}, []float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSafeStd(t *testing.T) {
	assert.Equal(t, 1.0, SafeStd(0))
	assert.Equal(t, 1.0, SafeStd(math.NaN()))
	assert.Equal(t, 1.0, SafeStd(math.Inf(1)))
	assert.Equal(t, 2.5, SafeStd(2.5))
}
