// Package dataset reads labeled image datasets and partitions them for
// evaluation: the fixed train/test split, k-fold partitions of the train side
// and label standardization.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorgonia.org/tensor"
)

// ErrUnavailable is returned when a dataset source cannot be read.
var ErrUnavailable = errors.New("dataset unavailable")

// Dataset is an ordered list of images and their labels.
// Images are C x H x W float32 tensors sharing one shape. Labels hold one row
// per image; classification labels keep the class index in column 0.
type Dataset struct {
	Images []*tensor.Dense
	Labels [][]float64
}

// Len is the number of examples.
func (d *Dataset) Len() int {
	return len(d.Images)
}

// ImageShape is the raw shape shared by every image.
func (d *Dataset) ImageShape() []int {
	if len(d.Images) == 0 {
		return nil
	}
	return append([]int(nil), d.Images[0].Shape()...)
}

// Class returns the class index of example i.
func (d *Dataset) Class(i int) int {
	return int(d.Labels[i][0])
}

// Subset returns the examples at idx. Images and label rows are shared, not copied.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{
		Images: make([]*tensor.Dense, len(idx)),
		Labels: make([][]float64, len(idx)),
	}
	for i, j := range idx {
		out.Images[i] = d.Images[j]
		out.Labels[i] = d.Labels[j]
	}
	return out
}

// Validate checks that images and labels line up and share one shape.
func (d *Dataset) Validate() error {
	if len(d.Images) == 0 {
		return fmt.Errorf("%w: no examples", ErrUnavailable)
	}
	if len(d.Images) != len(d.Labels) {
		return fmt.Errorf("%w: %d images but %d labels", ErrUnavailable, len(d.Images), len(d.Labels))
	}
	first := d.Images[0].Shape()
	for i, img := range d.Images {
		if !img.Shape().Eq(first) {
			return fmt.Errorf("%w: image %d has shape %v, image 0 has %v", ErrUnavailable, i, img.Shape(), first)
		}
		if len(d.Labels[i]) == 0 {
			return fmt.Errorf("%w: image %d has no label", ErrUnavailable, i)
		}
	}
	return nil
}

// Reader loads a dataset from the part of the id after the scheme.
type Reader func(arg string) (*Dataset, error)

var readers = map[string]Reader{
	"cifar10":   readCIFAR10,
	"synthetic": readSynthetic,
}

// Schemes lists the registered dataset schemes.
func Schemes() []string {
	out := make([]string, 0, len(readers))
	for s := range readers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Read resolves an id of the form "scheme:arg" and loads the dataset.
func Read(id string) (*Dataset, error) {
	scheme, arg, ok := strings.Cut(id, ":")
	if !ok {
		return nil, fmt.Errorf("%w: dataset id %q has no scheme (one of %v)", ErrUnavailable, id, Schemes())
	}
	read, ok := readers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dataset scheme %q (one of %v)", ErrUnavailable, scheme, Schemes())
	}
	ds, err := read(arg)
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
