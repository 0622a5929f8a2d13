package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/checkpoint"
)

// MLP is the 250-100 hidden unit perceptron. Its intermediate representation
// is the second hidden layer after ReLU.
type MLP struct {
	inputFC, hiddenFC, outputFC *Linear
	inputDim                    int
}

// NewMLP restores an MLP from sd.
func NewMLP(sd checkpoint.StateDict, opts Options) (*MLP, error) {
	in := opts.Height * opts.Width
	m := &MLP{inputDim: in}
	var err error
	if m.inputFC, err = loadLinear(sd, "input_fc", in, 250); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if m.hiddenFC, err = loadLinear(sd, "hidden_fc", 250, 100); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if m.outputFC, err = loadLinear(sd, "output_fc", 100, opts.OutputDim); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	return m, nil
}

// Name implements Model.
func (m *MLP) Name() string { return ArchMLP }

// Forward implements Model.
func (m *MLP) Forward(batch Batch) (*mat.Dense, *mat.Dense, error) {
	if batch.Len() == 0 {
		return nil, nil, fmt.Errorf("mlp: empty batch")
	}
	x, err := stackInputs(batch, m.inputDim)
	if err != nil {
		return nil, nil, err
	}
	h1 := relu(m.inputFC.Forward(x))
	h2 := relu(m.hiddenFC.Forward(h1))
	return m.outputFC.Forward(h2), h2, nil
}
