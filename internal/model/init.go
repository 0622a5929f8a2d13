package model

import (
	"fmt"
	"math"
	"math/rand"

	"mnist-tsne/internal/checkpoint"
)

// InitStateDict returns freshly initialised parameters for arch, drawn
// uniformly from ±1/sqrt(fan_in) like torch.nn's default Linear/Conv2d init.
// It gives smoke runs and tests a checkpoint without a training step.
func InitStateDict(arch string, opts Options, seed int64) (checkpoint.StateDict, error) {
	rng := rand.New(rand.NewSource(seed))
	sd := checkpoint.StateDict{}
	add := func(name string, fanIn int, shape ...int) {
		bound := 1 / math.Sqrt(float64(fanIn))
		for _, kind := range []string{"weight", "bias"} {
			s := shape
			if kind == "bias" {
				s = shape[:1]
			}
			t := checkpoint.Tensor{Shape: append([]int(nil), s...)}
			t.Data = make([]float32, t.Numel())
			for i := range t.Data {
				t.Data[i] = float32((rng.Float64()*2 - 1) * bound)
			}
			sd[name+"."+kind] = t
		}
	}

	switch arch {
	case ArchLeNet:
		h := ((opts.Height-4)/2 - 4) / 2
		w := ((opts.Width-4)/2 - 4) / 2
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("lenet: %dx%d input too small", opts.Height, opts.Width)
		}
		add("conv1", 1*5*5, 6, 1, 5, 5)
		add("conv2", 6*5*5, 16, 6, 5, 5)
		add("fc_1", 16*h*w, 120, 16*h*w)
		add("fc_2", 120, 84, 120)
		add("fc_3", 84, opts.OutputDim, 84)
	case ArchMLP:
		in := opts.Height * opts.Width
		add("input_fc", in, 250, in)
		add("hidden_fc", 250, 100, 250)
		add("output_fc", 100, opts.OutputDim, 100)
	default:
		return nil, fmt.Errorf("model: unknown architecture %q", arch)
	}
	return sd, nil
}
