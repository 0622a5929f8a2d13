package tsne

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"mnist-tsne/internal/parallel"
)

// objective evaluates the KL divergence between P and the Student-t
// similarities Q of the current embedding, and its gradient.
type objective struct {
	p       *affinities
	n, dim  int
	theta   float64
	workers int
}

// eval writes the gradient for params into grad. The returned KL is only
// computed when withError is set.
func (o *objective) eval(params, grad []float64, withError bool) float64 {
	if o.p.dense != nil {
		return o.exact(params, grad, withError)
	}
	return o.barnesHut(params, grad, withError)
}

func (o *objective) exact(y, grad []float64, withError bool) float64 {
	n, dim := o.n, o.dim
	rowZ := make([]float64, n)
	parallel.Chunks(n, o.workers, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			var s float64
			for j := 0; j < n; j++ {
				if j != i {
					s += 1 / (1 + sqDist(y, i, j, dim))
				}
			}
			rowZ[i] = s
		}
	})
	z := math.Max(floats.Sum(rowZ), machineEpsilon)

	rowKL := make([]float64, n)
	parallel.Chunks(n, o.workers, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			g := grad[i*dim : (i+1)*dim]
			for c := range g {
				g[c] = 0
			}
			var kl float64
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				num := 1 / (1 + sqDist(y, i, j, dim))
				q := math.Max(num/z, machineEpsilon)
				pij := o.p.dense[i*o.n+j]
				mult := (pij - q) * num
				for c := 0; c < dim; c++ {
					g[c] += mult * (y[i*dim+c] - y[j*dim+c])
				}
				if withError {
					kl += pij * math.Log(math.Max(pij, machineEpsilon)/q)
				}
			}
			for c := range g {
				g[c] *= 4
			}
			rowKL[i] = kl
		}
	})
	return floats.Sum(rowKL)
}

func (o *objective) barnesHut(y, grad []float64, withError bool) float64 {
	n := o.n
	tree := buildQuadTree(y, n)

	neg := make([]float64, 2*n)
	rowZ := make([]float64, n)
	parallel.Chunks(n, o.workers, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			tree.repulsion(y[2*i], y[2*i+1], o.theta, &neg[2*i], &neg[2*i+1], &rowZ[i])
		}
	})
	z := math.Max(floats.Sum(rowZ), machineEpsilon)

	rowKL := make([]float64, n)
	parallel.Chunks(n, o.workers, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			var px, py, kl float64
			for k := o.p.rowPtr[i]; k < o.p.rowPtr[i+1]; k++ {
				j := o.p.cols[k]
				pij := o.p.vals[k]
				dx, dy := y[2*i]-y[2*j], y[2*i+1]-y[2*j+1]
				num := 1 / (1 + dx*dx + dy*dy)
				px += pij * num * dx
				py += pij * num * dy
				if withError {
					q := math.Max(num/z, machineEpsilon)
					kl += pij * math.Log(math.Max(pij, machineEpsilon)/q)
				}
			}
			grad[2*i] = 4 * (px - neg[2*i]/z)
			grad[2*i+1] = 4 * (py - neg[2*i+1]/z)
			rowKL[i] = kl
		}
	})
	return floats.Sum(rowKL)
}

func sqDist(y []float64, i, j, dim int) float64 {
	var s float64
	for c := 0; c < dim; c++ {
		d := y[i*dim+c] - y[j*dim+c]
		s += d * d
	}
	return s
}

// optimizer is gradient descent with momentum and per-parameter gains.
type optimizer struct {
	params       []float64
	update       []float64
	gains        []float64
	grad         []float64
	learningRate float64
	progress     func(iter int, kl float64)
}

func (o *optimizer) reset() {
	o.update = make([]float64, len(o.params))
	o.gains = make([]float64, len(o.params))
	o.grad = make([]float64, len(o.params))
	for i := range o.gains {
		o.gains[i] = 1
	}
}

// run iterates from start to end and stops early once the error has not
// improved for patience iterations or the gradient vanishes.
func (o *optimizer) run(ctx context.Context, obj *objective, start, end int, momentum float64, patience int) error {
	o.reset()
	best := math.MaxFloat64
	bestIter := start
	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		check := (i+1)%checkEvery == 0
		last := i == end-1
		kl := obj.eval(o.params, o.grad, check || last)

		for k, g := range o.grad {
			if o.update[k]*g < 0 {
				o.gains[k] += 0.2
			} else {
				o.gains[k] *= 0.8
			}
			if o.gains[k] < minGain {
				o.gains[k] = minGain
			}
			g *= o.gains[k]
			o.grad[k] = g
			o.update[k] = momentum*o.update[k] - o.learningRate*g
			o.params[k] += o.update[k]
		}

		if (check || last) && o.progress != nil {
			o.progress(i+1, kl)
		}
		if !check {
			continue
		}
		if kl < best {
			best, bestIter = kl, i
		} else if i-bestIter > patience {
			return nil
		}
		if floats.Norm(o.grad, 2) <= minGradNorm {
			return nil
		}
	}
	return nil
}
