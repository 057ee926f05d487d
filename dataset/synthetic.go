package dataset

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"gorgonia.org/tensor"
)

// SyntheticConfig describes a generated, class balanced image set.
type SyntheticConfig struct {
	N       int
	Classes int
	H, W, C int
	Seed    int64
	// Noise is the standard deviation of per-pixel gaussian noise.
	Noise float64
}

// Synthetic generates images whose pixel means depend on the class, so that a
// small network can separate them. Example i has class i mod Classes.
func Synthetic(cfg SyntheticConfig) (*Dataset, error) {
	if cfg.N <= 0 || cfg.Classes <= 0 || cfg.H <= 0 || cfg.W <= 0 || cfg.C <= 0 {
		return nil, fmt.Errorf("%w: bad synthetic config %+v", ErrUnavailable, cfg)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	plane := cfg.H * cfg.W
	ds := &Dataset{
		Images: make([]*tensor.Dense, cfg.N),
		Labels: make([][]float64, cfg.N),
	}
	for i := 0; i < cfg.N; i++ {
		class := i % cfg.Classes
		pix := make([]float32, cfg.C*plane)
		for c := 0; c < cfg.C; c++ {
			// each class lights a different band of rows in a different channel mix
			level := float64((class+c)%cfg.Classes) / float64(cfg.Classes)
			band := class * cfg.H / cfg.Classes
			for y := 0; y < cfg.H; y++ {
				base := level
				if y >= band && y < band+max(cfg.H/cfg.Classes, 1) {
					base += 0.5
				}
				for x := 0; x < cfg.W; x++ {
					pix[c*plane+y*cfg.W+x] = float32(base + rng.NormFloat64()*cfg.Noise)
				}
			}
		}
		ds.Images[i] = tensor.New(tensor.WithShape(cfg.C, cfg.H, cfg.W), tensor.WithBacking(pix))
		ds.Labels[i] = []float64{float64(class)}
	}
	return ds, nil
}

// readSynthetic parses "<n>[:<classes>[:<h>x<w>x<c>[:<seed>]]]".
func readSynthetic(arg string) (*Dataset, error) {
	cfg := SyntheticConfig{Classes: 10, H: 32, W: 32, C: 3, Seed: 1, Noise: 0.1}
	parts := strings.Split(arg, ":")
	bad := func(err error) (*Dataset, error) {
		return nil, fmt.Errorf("%w: synthetic:%s: %v", ErrUnavailable, arg, err)
	}
	var err error
	if cfg.N, err = strconv.Atoi(parts[0]); err != nil {
		return bad(err)
	}
	if len(parts) > 1 {
		if cfg.Classes, err = strconv.Atoi(parts[1]); err != nil {
			return bad(err)
		}
	}
	if len(parts) > 2 {
		dims := strings.Split(parts[2], "x")
		if len(dims) != 3 {
			return bad(fmt.Errorf("shape %q is not <h>x<w>x<c>", parts[2]))
		}
		vals := make([]int, 3)
		for i, d := range dims {
			if vals[i], err = strconv.Atoi(d); err != nil {
				return bad(err)
			}
		}
		cfg.H, cfg.W, cfg.C = vals[0], vals[1], vals[2]
	}
	if len(parts) > 3 {
		if cfg.Seed, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
			return bad(err)
		}
	}
	return Synthetic(cfg)
}
