package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/checkpoint"
	"mnist-tsne/internal/parallel"
)

// LeNet is the two-convolution network. Its intermediate representation is
// the flattened output of the convolutional stack, before fc_1.
type LeNet struct {
	conv1, conv2  *Conv2D
	fc1, fc2, fc3 *Linear

	height, width int
	featureDim    int
	workers       int
}

// NewLeNet restores a LeNet from sd for opts.Height x opts.Width inputs.
func NewLeNet(sd checkpoint.StateDict, opts Options) (*LeNet, error) {
	h := ((opts.Height-4)/2 - 4) / 2
	w := ((opts.Width-4)/2 - 4) / 2
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("lenet: %dx%d input too small", opts.Height, opts.Width)
	}
	featureDim := 16 * h * w

	m := &LeNet{height: opts.Height, width: opts.Width, featureDim: featureDim, workers: opts.Workers}
	var err error
	if m.conv1, err = loadConv2D(sd, "conv1", 1, 6, 5); err != nil {
		return nil, fmt.Errorf("lenet: %w", err)
	}
	if m.conv2, err = loadConv2D(sd, "conv2", 6, 16, 5); err != nil {
		return nil, fmt.Errorf("lenet: %w", err)
	}
	if m.fc1, err = loadLinear(sd, "fc_1", featureDim, 120); err != nil {
		return nil, fmt.Errorf("lenet: %w", err)
	}
	if m.fc2, err = loadLinear(sd, "fc_2", 120, 84); err != nil {
		return nil, fmt.Errorf("lenet: %w", err)
	}
	if m.fc3, err = loadLinear(sd, "fc_3", 84, opts.OutputDim); err != nil {
		return nil, fmt.Errorf("lenet: %w", err)
	}
	return m, nil
}

// Name implements Model.
func (m *LeNet) Name() string { return ArchLeNet }

// FeatureDim is the width of the intermediate representation.
func (m *LeNet) FeatureDim() int { return m.featureDim }

// Forward implements Model.
func (m *LeNet) Forward(batch Batch) (*mat.Dense, *mat.Dense, error) {
	if batch.Len() == 0 {
		return nil, nil, fmt.Errorf("lenet: empty batch")
	}
	size := m.height * m.width
	for i, input := range batch.Inputs {
		if len(input) != size {
			return nil, nil, fmt.Errorf("lenet: sample %d has %d values, expected %d", i, len(input), size)
		}
	}

	h := mat.NewDense(batch.Len(), m.featureDim, nil)
	parallel.ForEach(batch.Len(), m.workers, func(i int) {
		copy(h.RawRowView(i), m.features(batch.Inputs[i]))
	})

	x := relu(m.fc1.Forward(h))
	x = relu(m.fc2.Forward(x))
	return m.fc3.Forward(x), h, nil
}

// features runs conv -> pool -> relu twice and returns the flattened map.
func (m *LeNet) features(input []float64) []float64 {
	x, oh, ow := m.conv1.Forward(input, m.height, m.width)
	x, oh, ow = maxPool2(x, m.conv1.OutC, oh, ow)
	reluSlice(x)
	x, oh, ow = m.conv2.Forward(x, oh, ow)
	x, _, _ = maxPool2(x, m.conv2.OutC, oh, ow)
	reluSlice(x)
	return x
}
