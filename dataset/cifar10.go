package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"strings"

	"gorgonia.org/tensor"
)

const (
	ImageSize = 32 * 32 * 3
	LabelSize = 1
	Row       = LabelSize + ImageSize
)

// readCIFAR10 reads one or more comma separated CIFAR-10 binary batch files.
func readCIFAR10(arg string) (*Dataset, error) {
	ds := &Dataset{}
	for _, path := range strings.Split(arg, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		images, labels, err := LoadCIFAR10(path)
		if err != nil {
			return nil, err
		}
		ds.Images = append(ds.Images, images...)
		for _, l := range labels {
			ds.Labels = append(ds.Labels, []float64{float64(l)})
		}
	}
	return ds, nil
}

// LoadCIFAR10 reads a binary batch: rows of one label byte followed by 3072
// pixel bytes (1024 red, 1024 green, 1024 blue). Pixels are scaled to [0, 1].
func LoadCIFAR10(filePath string) ([]*tensor.Dense, []int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	images := make([]*tensor.Dense, 0)
	labels := make([]int, 0)
	row := make([]byte, Row)
	for {
		if _, err := io.ReadFull(r, row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("%w: %s row %d: %v", ErrUnavailable, filePath, len(labels), err)
		}
		labels = append(labels, int(row[0]))

		img := row[LabelSize:]
		norm := make([]float32, ImageSize)
		for i := range img {
			norm[i] = float32(img[i]) / 255.0
		}
		images = append(images, tensor.New(tensor.WithShape(3, 32, 32), tensor.WithBacking(norm)))
	}
	if len(images) == 0 {
		return nil, nil, fmt.Errorf("%w: %s holds no rows", ErrUnavailable, filePath)
	}
	return images, labels, nil
}

// ReadLabelNames reads one class name per line (batches.meta.txt).
func ReadLabelNames(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var words []string
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			words = append(words, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return words, nil
}

// SavePNG writes a 1 or 3 channel C x H x W image to path. Values are clamped to [0, 1].
func SavePNG(t *tensor.Dense, path string) error {
	shape := t.Shape()
	if len(shape) != 3 || (shape[0] != 1 && shape[0] != 3) {
		return fmt.Errorf("cannot save image of shape %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return fmt.Errorf("cannot save %T pixels", t.Data())
	}
	c, h, w := shape[0], shape[1], shape[2]
	to8 := func(v float32) uint8 {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		return uint8(v * 255.0)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r := to8(data[y*w+x])
			g, b := r, r
			if c == 3 {
				g = to8(data[(h+y)*w+x])
				b = to8(data[(2*h+y)*w+x])
			}
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
