package tsne

import (
	"errors"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// pcaProject centers x and projects it onto its leading k principal
// components. k is capped at the rank available from x.
func pcaProject(x *mat.Dense, k int) (*mat.Dense, error) {
	n, d := x.Dims()
	if n < 2 {
		return nil, errors.New("need at least two rows")
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("principal component decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	_, avail := vecs.Dims()
	if k > avail {
		k = avail
	}
	if k > d {
		k = d
	}

	centered := mat.DenseCopyOf(x)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, centered)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}

	var proj mat.Dense
	proj.Mul(centered, vecs.Slice(0, d, 0, k))
	return &proj, nil
}
