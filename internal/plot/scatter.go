// Package plot renders 2-D embeddings as class-colored scatter plots.
package plot

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrLengthMismatch is returned when the number of labels differs from the
// number of embedded points.
var ErrLengthMismatch = errors.New("plot: labels and points differ in length")

// palette is matplotlib's tab10.
var palette = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	{R: 0xe3, G: 0x77, B: 0xc2, A: 0xff},
	{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff},
	{R: 0xbc, G: 0xbd, B: 0x22, A: 0xff},
	{R: 0x17, G: 0xbe, B: 0xcf, A: 0xff},
}

// Options controls the rendered figure.
type Options struct {
	Title string
	// ClassNames maps a label to its legend entry. Labels without a name use
	// their number.
	ClassNames map[int]string
	Width      vg.Length
	Height     vg.Length
	PointSize  vg.Length
}

// Scatter draws one series per label and saves the figure to path. The image
// format follows the extension (png, svg, pdf, jpg, ...).
func Scatter(path string, emb *mat.Dense, labels []int, opts Options) error {
	if emb == nil {
		return errors.New("plot: nil embedding")
	}
	n, cols := emb.Dims()
	if n != len(labels) {
		return fmt.Errorf("%w: %d points, %d labels", ErrLengthMismatch, n, len(labels))
	}
	if cols < 2 {
		return fmt.Errorf("plot: embedding has %d columns, need 2", cols)
	}
	if opts.Width == 0 {
		opts.Width = 10 * vg.Inch
	}
	if opts.Height == 0 {
		opts.Height = 10 * vg.Inch
	}
	if opts.PointSize == 0 {
		opts.PointSize = vg.Points(1.5)
	}

	byLabel := make(map[int]plotter.XYs)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], plotter.XY{X: emb.At(i, 0), Y: emb.At(i, 1)})
	}
	classes := make([]int, 0, len(byLabel))
	for label := range byLabel {
		classes = append(classes, label)
	}
	sort.Ints(classes)

	p := gplot.New()
	p.Title.Text = opts.Title
	p.HideAxes()
	p.Legend.Top = true
	p.Legend.Left = false

	for i, label := range classes {
		s, err := plotter.NewScatter(byLabel[label])
		if err != nil {
			return fmt.Errorf("plot: class %d: %w", label, err)
		}
		s.GlyphStyle.Color = palette[i%len(palette)]
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = opts.PointSize
		p.Add(s)
		p.Legend.Add(className(label, opts.ClassNames), s)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("plot: create dir: %w", err)
		}
	}
	if err := p.Save(opts.Width, opts.Height, path); err != nil {
		return fmt.Errorf("plot: save %s: %w", path, err)
	}
	return nil
}

func className(label int, names map[int]string) string {
	if name, ok := names[label]; ok {
		return name
	}
	return strconv.Itoa(label)
}
