package tsne

import (
	"container/heap"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/parallel"
)

const (
	searchSteps     = 100
	searchTolerance = 1e-5
	distanceBlock   = 64
)

// affinities holds the joint probabilities P. Exact runs keep the full n x n
// matrix; Barnes-Hut runs keep the k-nearest-neighbour graph in CSR form.
type affinities struct {
	n     int
	dense []float64

	rowPtr []int
	cols   []int
	vals   []float64
}

func (a *affinities) scale(f float64) {
	floats.Scale(f, a.dense)
	floats.Scale(f, a.vals)
}

// exactAffinities computes P over all pairs.
func exactAffinities(x *mat.Dense, perplexity float64, workers int) *affinities {
	n, _ := x.Dims()
	cond := make([]float64, n*n)
	norms := squaredNorms(x)

	forEachBlock(n, workers, func(lo, hi int) {
		block := distanceRows(x, norms, lo, hi)
		dist := make([]float64, 0, n-1)
		for i := lo; i < hi; i++ {
			row := block.RawRowView(i - lo)
			dist = dist[:0]
			for j, d := range row {
				if j != i {
					dist = append(dist, d)
				}
			}
			probs := conditional(dist, perplexity)
			out := cond[i*n : (i+1)*n]
			k := 0
			for j := range out {
				if j == i {
					continue
				}
				out[j] = probs[k]
				k++
			}
		}
	})

	p := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p[i*n+j] = cond[i*n+j] + cond[j*n+i]
		}
	}
	sum := math.Max(floats.Sum(p), machineEpsilon)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				p[i*n+j] = 0
				continue
			}
			p[i*n+j] = math.Max(p[i*n+j]/sum, machineEpsilon)
		}
	}
	return &affinities{n: n, dense: p}
}

// sparseAffinities computes P over the ⌊3·perplexity⌋+1 nearest neighbours of
// each point.
func sparseAffinities(x *mat.Dense, perplexity float64, workers int) *affinities {
	n, _ := x.Dims()
	k := int(3*perplexity + 1)
	if k > n-1 {
		k = n - 1
	}
	norms := squaredNorms(x)
	neighbours := make([]int, n*k)
	probs := make([]float64, n*k)

	forEachBlock(n, workers, func(lo, hi int) {
		block := distanceRows(x, norms, lo, hi)
		dist := make([]float64, k)
		for i := lo; i < hi; i++ {
			nn := nearest(block.RawRowView(i-lo), i, k)
			for m, j := range nn {
				dist[m] = block.At(i-lo, j)
			}
			copy(neighbours[i*k:(i+1)*k], nn)
			copy(probs[i*k:(i+1)*k], conditional(dist, perplexity))
		}
	})

	// P + Pᵀ, merged per row.
	type entry struct {
		row, col int
		val      float64
	}
	entries := make([]entry, 0, 2*n*k)
	for i := 0; i < n; i++ {
		for m := 0; m < k; m++ {
			j, v := neighbours[i*k+m], probs[i*k+m]
			entries = append(entries, entry{i, j, v}, entry{j, i, v})
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].row != entries[b].row {
			return entries[a].row < entries[b].row
		}
		return entries[a].col < entries[b].col
	})

	a := &affinities{n: n, rowPtr: make([]int, n+1)}
	for idx, e := range entries {
		last := len(a.cols) - 1
		if idx > 0 && last >= 0 && entries[idx-1].row == e.row && a.cols[last] == e.col {
			a.vals[last] += e.val
			continue
		}
		a.cols = append(a.cols, e.col)
		a.vals = append(a.vals, e.val)
		a.rowPtr[e.row+1] = len(a.cols)
	}
	for i := 1; i <= n; i++ {
		if a.rowPtr[i] < a.rowPtr[i-1] {
			a.rowPtr[i] = a.rowPtr[i-1]
		}
	}
	sum := math.Max(floats.Sum(a.vals), machineEpsilon)
	floats.Scale(1/sum, a.vals)
	return a
}

// conditional finds the Gaussian precision whose conditional distribution
// over dist has entropy log(perplexity) and returns that distribution.
func conditional(dist []float64, perplexity float64) []float64 {
	p := make([]float64, len(dist))
	desired := math.Log(perplexity)
	beta, betaMin, betaMax := 1.0, math.Inf(-1), math.Inf(1)

	for step := 0; step < searchSteps; step++ {
		var sum float64
		for j, d := range dist {
			p[j] = math.Exp(-d * beta)
			sum += p[j]
		}
		if sum == 0 {
			sum = 1e-8
		}
		var weighted float64
		for j, d := range dist {
			p[j] /= sum
			weighted += d * p[j]
		}
		diff := math.Log(sum) + beta*weighted - desired
		if math.Abs(diff) <= searchTolerance {
			break
		}
		if diff > 0 {
			betaMin = beta
			if math.IsInf(betaMax, 1) {
				beta *= 2
			} else {
				beta = (beta + betaMax) / 2
			}
		} else {
			betaMax = beta
			if math.IsInf(betaMin, -1) {
				beta /= 2
			} else {
				beta = (beta + betaMin) / 2
			}
		}
	}
	return p
}

func squaredNorms(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	norms := make([]float64, n)
	for i := range norms {
		row := x.RawRowView(i)
		norms[i] = floats.Dot(row, row)
	}
	return norms
}

// distanceRows returns the squared euclidean distances from rows [lo, hi) of
// x to every row of x.
func distanceRows(x *mat.Dense, norms []float64, lo, hi int) *mat.Dense {
	_, d := x.Dims()
	var g mat.Dense
	g.Mul(x.Slice(lo, hi, 0, d), x.T())
	for i := lo; i < hi; i++ {
		row := g.RawRowView(i - lo)
		for j := range row {
			v := norms[i] + norms[j] - 2*row[j]
			if v < 0 || i == j {
				v = 0
			}
			row[j] = v
		}
	}
	return &g
}

func forEachBlock(n, workers int, body func(lo, hi int)) {
	blocks := (n + distanceBlock - 1) / distanceBlock
	parallel.ForEach(blocks, workers, func(b int) {
		lo := b * distanceBlock
		hi := lo + distanceBlock
		if hi > n {
			hi = n
		}
		body(lo, hi)
	})
}

// nearest returns the k indices with the smallest distance, excluding self,
// ordered by distance then index.
func nearest(dist []float64, self, k int) []int {
	h := &maxHeap{dist: dist}
	for j := range dist {
		if j == self {
			continue
		}
		if h.Len() < k {
			heap.Push(h, j)
			continue
		}
		if top := h.idx[0]; less(dist, j, top) {
			h.idx[0] = j
			heap.Fix(h, 0)
		}
	}
	out := append([]int(nil), h.idx...)
	sort.Slice(out, func(a, b int) bool { return less(dist, out[a], out[b]) })
	return out
}

func less(dist []float64, a, b int) bool {
	if dist[a] != dist[b] {
		return dist[a] < dist[b]
	}
	return a < b
}

type maxHeap struct {
	dist []float64
	idx  []int
}

func (h *maxHeap) Len() int           { return len(h.idx) }
func (h *maxHeap) Less(a, b int) bool { return less(h.dist, h.idx[b], h.idx[a]) }
func (h *maxHeap) Swap(a, b int)      { h.idx[a], h.idx[b] = h.idx[b], h.idx[a] }
func (h *maxHeap) Push(x any)         { h.idx = append(h.idx, x.(int)) }
func (h *maxHeap) Pop() any {
	last := h.idx[len(h.idx)-1]
	h.idx = h.idx[:len(h.idx)-1]
	return last
}
