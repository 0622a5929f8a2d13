package plot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestScatterWritesPNG(t *testing.T) {
	emb := mat.NewDense(6, 2, []float64{
		0, 0,
		1, 1,
		5, 5,
		6, 5,
		-3, 2,
		-4, 1,
	})
	path := filepath.Join(t.TempDir(), "out", "tsne.png")
	err := Scatter(path, emb, []int{0, 0, 1, 1, 7, 7}, Options{Title: "t-SNE", ClassNames: map[int]string{7: "seven"}})
	if err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("output is not a PNG")
	}
}

func TestScatterSVG(t *testing.T) {
	emb := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	path := filepath.Join(t.TempDir(), "tsne.svg")
	if err := Scatter(path, emb, []int{3, 4}, Options{}); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !bytes.Contains(data, []byte("<svg")) {
		t.Fatalf("output is not an SVG")
	}
}

func TestScatterLengthMismatch(t *testing.T) {
	emb := mat.NewDense(3, 2, nil)
	err := Scatter(filepath.Join(t.TempDir(), "x.png"), emb, []int{1, 2}, Options{})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestClassName(t *testing.T) {
	if got := className(4, nil); got != "4" {
		t.Fatalf("className=%q", got)
	}
	if got := className(4, map[int]string{4: "four"}); got != "four" {
		t.Fatalf("className=%q", got)
	}
}
