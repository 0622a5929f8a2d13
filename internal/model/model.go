package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/checkpoint"
)

// Batch represents a minibatch of flattened images and their labels.
type Batch struct {
	Indices []int
	Inputs  [][]float64
	Labels  []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Model maps a batch to its class outputs and one intermediate
// representation per sample. Row i of both matrices belongs to sample i.
type Model interface {
	Name() string
	Forward(batch Batch) (outputs, intermediates *mat.Dense, err error)
}

// Options describes the input geometry and runtime knobs shared by all
// architectures.
type Options struct {
	Height    int
	Width     int
	OutputDim int
	Workers   int
}

// Architectures understood by New.
const (
	ArchLeNet = "lenet"
	ArchMLP   = "mlp"
	ArchAuto  = "auto"
)

// DetectArch infers the architecture from the parameter names in sd.
func DetectArch(sd checkpoint.StateDict) (string, error) {
	_, conv := sd["conv1.weight"]
	_, fc := sd["input_fc.weight"]
	switch {
	case conv && !fc:
		return ArchLeNet, nil
	case fc && !conv:
		return ArchMLP, nil
	default:
		return "", fmt.Errorf("model: cannot infer architecture from parameters %v", sd.Names())
	}
}

// New builds the named architecture and restores its parameters from sd.
func New(arch string, sd checkpoint.StateDict, opts Options) (Model, error) {
	if arch == ArchAuto || arch == "" {
		detected, err := DetectArch(sd)
		if err != nil {
			return nil, err
		}
		arch = detected
	}
	switch arch {
	case ArchLeNet:
		return NewLeNet(sd, opts)
	case ArchMLP:
		return NewMLP(sd, opts)
	default:
		return nil, fmt.Errorf("model: unknown architecture %q", arch)
	}
}

// Argmax returns the column index of the largest value in each row.
func Argmax(m *mat.Dense) []int {
	rows, cols := m.Dims()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if m.At(i, j) > m.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

func stackInputs(batch Batch, size int) (*mat.Dense, error) {
	x := mat.NewDense(batch.Len(), size, nil)
	for i, input := range batch.Inputs {
		if len(input) != size {
			return nil, fmt.Errorf("model: sample %d has %d values, expected %d", i, len(input), size)
		}
		copy(x.RawRowView(i), input)
	}
	return x, nil
}
