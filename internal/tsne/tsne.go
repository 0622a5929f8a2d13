// Package tsne embeds high-dimensional vectors into a low-dimensional space
// with t-distributed stochastic neighbour embedding.
//
// The optimiser follows the usual two-phase schedule: an early exaggeration
// phase with low momentum, then plain gradient descent with higher momentum,
// both with per-parameter adaptive gains. Gradients are computed exactly in
// O(n²) or approximated with a Barnes-Hut quadtree in O(n log n).
package tsne

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyInput is returned when Embed is given no rows.
var ErrEmptyInput = errors.New("tsne: empty input")

// Gradient methods.
const (
	MethodBarnesHut = "barnes_hut"
	MethodExact     = "exact"
)

const (
	explorationIters   = 250
	checkEvery         = 50
	explorationPatient = 250
	patience           = 300
	minGradNorm        = 1e-7
	minGain            = 0.01
	initialMomentum    = 0.5
	finalMomentum      = 0.8
	machineEpsilon     = 2.220446049250313e-16
)

// Options configures Embed. Zero values pick the defaults noted per field.
type Options struct {
	Components        int     // 2
	Perplexity        float64 // 30
	EarlyExaggeration float64 // 12
	LearningRate      float64 // 0 = max(n/EarlyExaggeration/4, 50)
	Iterations        int     // 1000
	Theta             float64 // 0.5, Barnes-Hut only
	Method            string  // barnes_hut
	Seed              int64
	Workers           int
	// PCAComponents > 0 reduces the input with PCA before computing
	// affinities.
	PCAComponents int
	// Progress, when set, receives the KL divergence every 50 iterations and
	// after the last one.
	Progress func(iter int, kl float64)
}

func (o *Options) setDefaults(n int) error {
	if o.Components <= 0 {
		o.Components = 2
	}
	if o.Perplexity == 0 {
		o.Perplexity = 30
	}
	if o.EarlyExaggeration == 0 {
		o.EarlyExaggeration = 12
	}
	if o.Iterations == 0 {
		o.Iterations = 1000
	}
	if o.Method == "" {
		o.Method = MethodBarnesHut
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.LearningRate <= 0 {
		o.LearningRate = math.Max(float64(n)/o.EarlyExaggeration/4, 50)
	}

	switch {
	case n < 2:
		return fmt.Errorf("tsne: need at least 2 samples, got %d", n)
	case o.Perplexity < 0:
		return fmt.Errorf("tsne: perplexity must be > 0, got %v", o.Perplexity)
	case o.Perplexity >= float64(n):
		return fmt.Errorf("tsne: perplexity %v must be less than the number of samples %d", o.Perplexity, n)
	case o.EarlyExaggeration < 1:
		return fmt.Errorf("tsne: early exaggeration must be >= 1, got %v", o.EarlyExaggeration)
	case o.Iterations < 0:
		return fmt.Errorf("tsne: iterations must be >= 0, got %d", o.Iterations)
	case o.Theta < 0 || o.Theta > 1:
		return fmt.Errorf("tsne: theta must be in [0, 1], got %v", o.Theta)
	}
	switch o.Method {
	case MethodExact:
	case MethodBarnesHut:
		if o.Components != 2 {
			return fmt.Errorf("tsne: barnes_hut supports 2 components, got %d", o.Components)
		}
		if o.Theta == 0 {
			o.Theta = 0.5
		}
	default:
		return fmt.Errorf("tsne: unknown method %q", o.Method)
	}
	return nil
}

// Embed returns an n x Components embedding of the rows of x.
func Embed(ctx context.Context, x *mat.Dense, opts Options) (*mat.Dense, error) {
	if x == nil || x.IsEmpty() {
		return nil, ErrEmptyInput
	}
	n, _ := x.Dims()
	if n == 0 {
		return nil, ErrEmptyInput
	}
	if err := opts.setDefaults(n); err != nil {
		return nil, err
	}

	data := x
	if opts.PCAComponents > 0 {
		reduced, err := pcaProject(x, opts.PCAComponents)
		if err != nil {
			return nil, fmt.Errorf("tsne: pca reduction: %w", err)
		}
		data = reduced
	}

	var p *affinities
	if opts.Method == MethodExact {
		p = exactAffinities(data, opts.Perplexity, opts.Workers)
	} else {
		p = sparseAffinities(data, opts.Perplexity, opts.Workers)
	}

	y := initEmbedding(data, opts.Components, opts.Seed)

	obj := &objective{p: p, n: n, dim: opts.Components, theta: opts.Theta, workers: opts.Workers}
	opt := &optimizer{
		params:       y.RawMatrix().Data,
		learningRate: opts.LearningRate,
		progress:     opts.Progress,
	}

	explore := explorationIters
	if explore > opts.Iterations {
		explore = opts.Iterations
	}

	p.scale(opts.EarlyExaggeration)
	if err := opt.run(ctx, obj, 0, explore, initialMomentum, explorationPatient); err != nil {
		return nil, err
	}
	p.scale(1 / opts.EarlyExaggeration)
	if err := opt.run(ctx, obj, explore, opts.Iterations, finalMomentum, patience); err != nil {
		return nil, err
	}
	return y, nil
}

// initEmbedding starts from the leading principal components, scaled so the
// first column has standard deviation 1e-4. It falls back to small Gaussian
// noise when PCA is not usable.
func initEmbedding(x *mat.Dense, dim int, seed int64) *mat.Dense {
	n, _ := x.Dims()
	if y, err := pcaProject(x, dim); err == nil {
		if _, cols := y.Dims(); cols == dim {
			col := mat.Col(nil, 0, y)
			if std := stat.PopStdDev(col, nil); std > 0 && !math.IsNaN(std) {
				y.Scale(1e-4/std, y)
				return y
			}
		}
	}

	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*dim)
	for i := range data {
		data[i] = 1e-4 * rng.NormFloat64()
	}
	return mat.NewDense(n, dim, data)
}
