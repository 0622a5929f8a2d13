package dataset

import (
	"errors"
	"fmt"
)

// ErrEmptyDataset is returned when a source yields no samples.
var ErrEmptyDataset = errors.New("dataset: no samples")

// Dataset is random access over labeled, normalized images.
type Dataset interface {
	Len() int
	// Item returns the row-major pixels of sample i scaled to [0, 1] and its
	// label.
	Item(i int) ([]float64, int, error)
}

// Images is an in-memory grayscale dataset with one byte per pixel.
type Images struct {
	Height int
	Width  int
	Pixels []byte
	Labels []int
	Keys   []string
}

// Len implements Dataset.
func (d *Images) Len() int {
	return len(d.Labels)
}

// Item implements Dataset. Pixels are divided by 255, matching ToTensor with
// no further normalization.
func (d *Images) Item(i int) ([]float64, int, error) {
	if i < 0 || i >= d.Len() {
		return nil, 0, fmt.Errorf("dataset: index %d out of range [0, %d)", i, d.Len())
	}
	size := d.Height * d.Width
	raw := d.Pixels[i*size : (i+1)*size]
	out := make([]float64, size)
	for j, p := range raw {
		out[j] = float64(p) / 255
	}
	return out, d.Labels[i], nil
}

func (d *Images) validate() error {
	if d.Len() == 0 {
		return ErrEmptyDataset
	}
	if len(d.Pixels) != d.Len()*d.Height*d.Width {
		return fmt.Errorf("dataset: %d pixel bytes for %d images of %dx%d", len(d.Pixels), d.Len(), d.Height, d.Width)
	}
	return nil
}
