package imageproc

import (
	"errors"
	"fmt"
	"math"

	"gonevo/instr"
)

// ErrTransform is returned when an instruction cannot be applied to an image.
var ErrTransform = errors.New("transform fault")

// Instruction is one pure image transform.
type Instruction interface {
	Name() string
	Apply(img *Image) (*Image, error)
}

// Program is an evolved preprocessing pipeline. The empty program is the identity.
type Program []Instruction

func (p Program) String() string {
	if len(p) == 0 {
		return "identity"
	}
	s := ""
	for i, in := range p {
		if i > 0 {
			s += "; "
		}
		s += in.Name()
	}
	return s
}

// DefaultMaxPixels bounds the values of one processed image.
const DefaultMaxPixels = 1 << 15

// shaper is implemented by instructions that can grow an image.
type shaper interface {
	outputShape(img *Image) (c, h, w int)
}

// checkSize rejects empty outputs and outputs holding more than maxPixels values.
func checkSize(c, h, w, maxPixels int) error {
	if c <= 0 || h <= 0 || w <= 0 {
		return fmt.Errorf("%w: empty output (%d, %d, %d)", ErrTransform, c, h, w)
	}
	if h > maxPixels/w || c > maxPixels/(h*w) {
		return fmt.Errorf("%w: output (%d, %d, %d) exceeds %d values", ErrTransform, c, h, w, maxPixels)
	}
	return nil
}

// Run applies every instruction in order. An instruction whose output would
// hold more than maxPixels values fails before allocating it. A non-positive
// maxPixels means DefaultMaxPixels.
func (p Program) Run(img *Image, maxPixels int) (*Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cur := img
	for _, in := range p {
		if s, ok := in.(shaper); ok {
			c, h, w := s.outputShape(cur)
			if err := checkSize(c, h, w, maxPixels); err != nil {
				return nil, fmt.Errorf("%s: %w", in.Name(), err)
			}
		}
		next, err := in.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.Name(), err)
		}
		cur = next
	}
	return cur, nil
}

// pixelOp covers the instructions that map every pixel independently.
type pixelOp struct {
	name string
	fn   func(v float32) float32
}

func (o pixelOp) Name() string { return o.name }

func (o pixelOp) Apply(img *Image) (*Image, error) {
	out := NewImage(img.C, img.H, img.W)
	for i, v := range img.Pix {
		out.Pix[i] = o.fn(v)
	}
	return out, nil
}

// Identity returns a copy of the image.
func Identity() Instruction {
	return pixelOp{name: "identity", fn: func(v float32) float32 { return v }}
}

// Brightness adds d to every pixel.
func Brightness(d float32) Instruction {
	return pixelOp{name: fmt.Sprintf("brightness(%g)", d), fn: func(v float32) float32 { return v + d }}
}

// Threshold maps pixels above t to 1 and the rest to 0.
func Threshold(t float32) Instruction {
	return pixelOp{name: fmt.Sprintf("threshold(%g)", t), fn: func(v float32) float32 {
		if v > t {
			return 1
		}
		return 0
	}}
}

// Invert maps v to 1-v.
func Invert() Instruction {
	return pixelOp{name: "invert", fn: func(v float32) float32 { return 1 - v }}
}

type grayscale struct{}

// Grayscale collapses RGB into one luma channel. Single channel images pass through.
func Grayscale() Instruction { return grayscale{} }

func (grayscale) Name() string { return "grayscale" }

func (grayscale) Apply(img *Image) (*Image, error) {
	if img.C == 1 {
		return Identity().Apply(img)
	}
	if img.C != 3 {
		return nil, fmt.Errorf("%w: grayscale needs 1 or 3 channels, got %d", ErrTransform, img.C)
	}
	out := NewImage(1, img.H, img.W)
	plane := img.H * img.W
	for i := 0; i < plane; i++ {
		out.Pix[i] = 0.299*img.Pix[i] + 0.587*img.Pix[plane+i] + 0.114*img.Pix[2*plane+i]
	}
	return out, nil
}

type crop struct{ x, y, w, h int }

// Crop keeps the w x h window whose top-left corner is (x, y).
func Crop(x, y, w, h int) Instruction { return crop{x, y, w, h} }

func (o crop) Name() string { return fmt.Sprintf("crop(%d,%d,%d,%d)", o.x, o.y, o.w, o.h) }

func (o crop) Apply(img *Image) (*Image, error) {
	if o.x < 0 || o.y < 0 || o.w <= 0 || o.h <= 0 || o.x+o.w > img.W || o.y+o.h > img.H {
		return nil, fmt.Errorf("%w: crop window (%d,%d,%d,%d) outside image %s", ErrTransform, o.x, o.y, o.w, o.h, img.shapeString())
	}
	out := NewImage(img.C, o.h, o.w)
	for c := 0; c < img.C; c++ {
		for y := 0; y < o.h; y++ {
			for x := 0; x < o.w; x++ {
				out.Set(c, y, x, img.At(c, o.y+y, o.x+x))
			}
		}
	}
	return out, nil
}

type centerCrop struct{ h, w int }

// CenterCrop keeps the central h x w window.
func CenterCrop(h, w int) Instruction { return centerCrop{h, w} }

func (o centerCrop) Name() string { return fmt.Sprintf("center_crop(%d,%d)", o.h, o.w) }

func (o centerCrop) Apply(img *Image) (*Image, error) {
	return crop{x: (img.W - o.w) / 2, y: (img.H - o.h) / 2, w: o.w, h: o.h}.Apply(img)
}

type resize struct{ h, w int }

// Resize scales the image to h x w with bilinear interpolation.
func Resize(h, w int) Instruction { return resize{h, w} }

func (o resize) Name() string { return fmt.Sprintf("resize(%d,%d)", o.h, o.w) }

func (o resize) outputShape(img *Image) (int, int, int) { return img.C, o.h, o.w }

func (o resize) Apply(img *Image) (*Image, error) {
	if o.h <= 0 || o.w <= 0 {
		return nil, fmt.Errorf("%w: resize to %dx%d", ErrTransform, o.h, o.w)
	}
	if o.h == img.H && o.w == img.W {
		return Identity().Apply(img)
	}
	out := NewImage(img.C, o.h, o.w)
	sy := float64(img.H) / float64(o.h)
	sx := float64(img.W) / float64(o.w)
	for y := 0; y < o.h; y++ {
		fy := math.Max((float64(y)+0.5)*sy-0.5, 0)
		y0 := int(fy)
		y1 := min(y0+1, img.H-1)
		dy := float32(fy - float64(y0))
		for x := 0; x < o.w; x++ {
			fx := math.Max((float64(x)+0.5)*sx-0.5, 0)
			x0 := int(fx)
			x1 := min(x0+1, img.W-1)
			dx := float32(fx - float64(x0))
			for c := 0; c < img.C; c++ {
				top := img.At(c, y0, x0)*(1-dx) + img.At(c, y0, x1)*dx
				bottom := img.At(c, y1, x0)*(1-dx) + img.At(c, y1, x1)*dx
				out.Set(c, y, x, top*(1-dy)+bottom*dy)
			}
		}
	}
	return out, nil
}

type flip struct{ horizontal bool }

// FlipH mirrors the image left to right.
func FlipH() Instruction { return flip{horizontal: true} }

// FlipV mirrors the image top to bottom.
func FlipV() Instruction { return flip{} }

func (o flip) Name() string {
	if o.horizontal {
		return "flip_h"
	}
	return "flip_v"
}

func (o flip) Apply(img *Image) (*Image, error) {
	out := NewImage(img.C, img.H, img.W)
	for c := 0; c < img.C; c++ {
		for y := 0; y < img.H; y++ {
			for x := 0; x < img.W; x++ {
				if o.horizontal {
					out.Set(c, y, img.W-1-x, img.At(c, y, x))
				} else {
					out.Set(c, img.H-1-y, x, img.At(c, y, x))
				}
			}
		}
	}
	return out, nil
}

type rot90 struct{}

// Rot90 rotates the image a quarter turn counter-clockwise.
func Rot90() Instruction { return rot90{} }

func (rot90) Name() string { return "rot90" }

func (rot90) Apply(img *Image) (*Image, error) {
	out := NewImage(img.C, img.W, img.H)
	for c := 0; c < img.C; c++ {
		for y := 0; y < img.H; y++ {
			for x := 0; x < img.W; x++ {
				out.Set(c, img.W-1-x, y, img.At(c, y, x))
			}
		}
	}
	return out, nil
}

type contrast struct{ f float32 }

// Contrast scales every channel's deviation from its mean by f.
func Contrast(f float32) Instruction { return contrast{f} }

func (o contrast) Name() string { return fmt.Sprintf("contrast(%g)", o.f) }

func (o contrast) Apply(img *Image) (*Image, error) {
	out := NewImage(img.C, img.H, img.W)
	plane := img.H * img.W
	for c := 0; c < img.C; c++ {
		pix := img.Pix[c*plane : (c+1)*plane]
		var sum float32
		for _, v := range pix {
			sum += v
		}
		mean := sum / float32(plane)
		for i, v := range pix {
			out.Pix[c*plane+i] = (v-mean)*o.f + mean
		}
	}
	return out, nil
}

type blur struct{ k int }

// Blur applies a k x k box filter with edge clamping. k must be odd.
func Blur(k int) Instruction { return blur{k} }

func (o blur) Name() string { return fmt.Sprintf("blur(%d)", o.k) }

func (o blur) Apply(img *Image) (*Image, error) {
	if o.k <= 0 || o.k%2 == 0 {
		return nil, fmt.Errorf("%w: blur kernel must be odd and positive, got %d", ErrTransform, o.k)
	}
	r := o.k / 2
	norm := float32(o.k * o.k)
	out := NewImage(img.C, img.H, img.W)
	for c := 0; c < img.C; c++ {
		for y := 0; y < img.H; y++ {
			for x := 0; x < img.W; x++ {
				var sum float32
				for dy := -r; dy <= r; dy++ {
					yy := clamp(y+dy, img.H)
					for dx := -r; dx <= r; dx++ {
						sum += img.At(c, yy, clamp(x+dx, img.W))
					}
				}
				out.Set(c, y, x, sum/norm)
			}
		}
	}
	return out, nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Parse decodes the textual preprocessing program.
func Parse(text string) (Program, error) {
	calls, err := instr.Parse(text)
	if err != nil {
		return nil, err
	}
	prog := make(Program, 0, len(calls))
	for _, c := range calls {
		in, err := decode(c)
		if err != nil {
			return nil, err
		}
		prog = append(prog, in)
	}
	return prog, nil
}

func decode(c instr.Call) (Instruction, error) {
	want := func(n int) error {
		if len(c.Args) != n {
			return fmt.Errorf("%w: %s takes %d arguments, got %d", instr.ErrSyntax, c.Name, n, len(c.Args))
		}
		return nil
	}
	ints := func(n int) ([]int, error) {
		if err := want(n); err != nil {
			return nil, err
		}
		return c.Ints()
	}
	switch c.Name {
	case "identity", "grayscale", "flip_h", "flip_v", "rot90", "invert":
		if err := want(0); err != nil {
			return nil, err
		}
		return map[string]Instruction{
			"identity":  Identity(),
			"grayscale": Grayscale(),
			"flip_h":    FlipH(),
			"flip_v":    FlipV(),
			"rot90":     Rot90(),
			"invert":    Invert(),
		}[c.Name], nil
	case "crop":
		a, err := ints(4)
		if err != nil {
			return nil, err
		}
		return Crop(a[0], a[1], a[2], a[3]), nil
	case "center_crop", "resize":
		a, err := ints(2)
		if err != nil {
			return nil, err
		}
		if c.Name == "resize" {
			return Resize(a[0], a[1]), nil
		}
		return CenterCrop(a[0], a[1]), nil
	case "blur":
		a, err := ints(1)
		if err != nil {
			return nil, err
		}
		return Blur(a[0]), nil
	case "brightness", "contrast", "threshold":
		if err := want(1); err != nil {
			return nil, err
		}
		v := float32(c.Args[0])
		switch c.Name {
		case "brightness":
			return Brightness(v), nil
		case "contrast":
			return Contrast(v), nil
		}
		return Threshold(v), nil
	}
	return nil, fmt.Errorf("%w: unknown image instruction %q", instr.ErrSyntax, c.Name)
}
