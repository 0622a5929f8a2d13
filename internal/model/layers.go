package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/checkpoint"
)

// Linear is a fully connected layer y = x·Wᵀ + b with W stored [out, in].
type Linear struct {
	W *mat.Dense
	B []float64
}

func loadLinear(sd checkpoint.StateDict, name string, in, out int) (*Linear, error) {
	w, err := sd.Tensor(name+".weight", out, in)
	if err != nil {
		return nil, err
	}
	b, err := sd.Tensor(name+".bias", out)
	if err != nil {
		return nil, err
	}
	return &Linear{W: mat.NewDense(out, in, widen(w.Data)), B: widen(b.Data)}, nil
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	out, _ := l.W.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.W.T())
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), l.B)
	}
	return y
}

// Conv2D is a stride-1, unpadded convolution with weights [out, in, k, k].
type Conv2D struct {
	InC, OutC, K int
	W            *mat.Dense // OutC x InC*K*K
	B            []float64
}

func loadConv2D(sd checkpoint.StateDict, name string, in, out, k int) (*Conv2D, error) {
	w, err := sd.Tensor(name+".weight", out, in, k, k)
	if err != nil {
		return nil, err
	}
	b, err := sd.Tensor(name+".bias", out)
	if err != nil {
		return nil, err
	}
	return &Conv2D{
		InC:  in,
		OutC: out,
		K:    k,
		W:    mat.NewDense(out, in*k*k, widen(w.Data)),
		B:    widen(b.Data),
	}, nil
}

// Forward convolves a channel-major (InC, h, w) map via im2col and returns
// the (OutC, oh, ow) result.
func (c *Conv2D) Forward(in []float64, h, w int) (out []float64, oh, ow int) {
	oh, ow = h-c.K+1, w-c.K+1
	cols := mat.NewDense(c.InC*c.K*c.K, oh*ow, nil)
	for ci := 0; ci < c.InC; ci++ {
		plane := in[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < c.K; ky++ {
			for kx := 0; kx < c.K; kx++ {
				row := cols.RawRowView((ci*c.K+ky)*c.K + kx)
				for y := 0; y < oh; y++ {
					copy(row[y*ow:(y+1)*ow], plane[(y+ky)*w+kx:(y+ky)*w+kx+ow])
				}
			}
		}
	}

	res := mat.NewDense(c.OutC, oh*ow, nil)
	res.Mul(c.W, cols)
	out = make([]float64, 0, c.OutC*oh*ow)
	for o := 0; o < c.OutC; o++ {
		row := res.RawRowView(o)
		floats.AddConst(c.B[o], row)
		out = append(out, row...)
	}
	return out, oh, ow
}

// maxPool2 applies a 2x2 max pool with stride 2, dropping odd edges.
func maxPool2(in []float64, channels, h, w int) (out []float64, oh, ow int) {
	oh, ow = h/2, w/2
	out = make([]float64, channels*oh*ow)
	for c := 0; c < channels; c++ {
		plane := in[c*h*w:]
		dst := out[c*oh*ow:]
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				i := 2*y*w + 2*x
				dst[y*ow+x] = math.Max(math.Max(plane[i], plane[i+1]), math.Max(plane[i+w], plane[i+w+1]))
			}
		}
	}
	return out, oh, ow
}

func reluSlice(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func relu(m *mat.Dense) *mat.Dense {
	m.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, m)
	return m
}

func widen(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
