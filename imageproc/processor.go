package imageproc

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned when processed images disagree on shape.
var ErrShapeMismatch = errors.New("processed image shapes differ")

// Processor runs preprocessing programs over image batches.
type Processor struct {
	// Workers bounds per-image parallelism. Zero means GOMAXPROCS.
	Workers int
	// MaxPixels bounds the values of every intermediate image.
	// Zero means DefaultMaxPixels.
	MaxPixels int
}

// Process applies program to every image, then resizes to resize[0] x resize[1]
// when resize is non-empty. The result is an N x C x H x W tensor.
// Any single failure fails the whole batch.
func (p *Processor) Process(images []*tensor.Dense, program Program, resize []int) (*tensor.Dense, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrTransform)
	}
	pipeline := program
	if len(resize) == 2 {
		pipeline = append(append(Program(nil), program...), Resize(resize[0], resize[1]))
	} else if len(resize) != 0 {
		return nil, fmt.Errorf("%w: resize wants [h, w], got %v", ErrTransform, resize)
	}

	out := make([]*Image, len(images))
	g := new(errgroup.Group)
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i, t := range images {
		i, t := i, t
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: image %d: panic: %v", ErrTransform, i, r)
				}
			}()
			img, err := FromTensor(t)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			if out[i], err = pipeline.Run(img, p.MaxPixels); err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	first := out[0]
	plane := first.C * first.H * first.W
	backing := make([]float32, len(out)*plane)
	for i, img := range out {
		if !img.SameShape(first) {
			return nil, fmt.Errorf("%w: image %d is %s, image 0 is %s", ErrShapeMismatch, i, img.shapeString(), first.shapeString())
		}
		copy(backing[i*plane:], img.Pix)
	}
	return tensor.New(tensor.WithShape(len(out), first.C, first.H, first.W), tensor.WithBacking(backing)), nil
}

// NormalizeByChannel standardizes an N x C x H x W batch per channel.
// With nil mean and std the statistics are computed from batch; otherwise the
// given ones are reused. A zero standard deviation is treated as 1.
func NormalizeByChannel(batch *tensor.Dense, mean, std []float64) (*tensor.Dense, []float64, []float64, error) {
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, nil, nil, fmt.Errorf("%w: want N x C x H x W, got %v", ErrTransform, shape)
	}
	data, ok := batch.Data().([]float32)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: want float32 pixels, got %T", ErrTransform, batch.Data())
	}
	n, c, plane := shape[0], shape[1], shape[2]*shape[3]
	if mean == nil || std == nil {
		mean, std = make([]float64, c), make([]float64, c)
		vals := make([]float64, 0, n*plane)
		for ch := 0; ch < c; ch++ {
			vals = vals[:0]
			for i := 0; i < n; i++ {
				for _, v := range data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					vals = append(vals, float64(v))
				}
			}
			mean[ch], std[ch] = stat.MeanStdDev(vals, nil)
			std[ch] = SafeStd(std[ch])
		}
	} else if len(mean) != c || len(std) != c {
		return nil, nil, nil, fmt.Errorf("%w: statistics for %d/%d channels, batch has %d", ErrShapeMismatch, len(mean), len(std), c)
	}

	out := make([]float32, len(data))
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			m, s := mean[ch], SafeStd(std[ch])
			base := (i*c + ch) * plane
			for j := 0; j < plane; j++ {
				out[base+j] = float32((float64(data[base+j]) - m) / s)
			}
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), mean, std, nil
}

// SafeStd replaces a zero or non-finite deviation with 1 so that constant
// inputs normalize to zero instead of dividing by zero.
func SafeStd(s float64) float64 {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 1
	}
	return s
}
