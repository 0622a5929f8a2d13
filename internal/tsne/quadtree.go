package tsne

import "math"

const maxTreeDepth = 50

// quadNode is a cell of a 2-D Barnes-Hut tree. Leaves hold one position,
// possibly with several coincident points.
type quadNode struct {
	cx, cy, half float64
	mx, my       float64
	count        int
	leaf         bool
	px, py       float64
	children     []quadNode
}

// buildQuadTree indexes n points stored as interleaved x, y pairs.
func buildQuadTree(pos []float64, n int) *quadNode {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < n; i++ {
		x, y := pos[2*i], pos[2*i+1]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	half := math.Max(maxX-minX, maxY-minY)/2 + 1e-5
	root := &quadNode{cx: (minX + maxX) / 2, cy: (minY + maxY) / 2, half: half}
	for i := 0; i < n; i++ {
		root.insert(pos[2*i], pos[2*i+1], 1, 0)
	}
	return root
}

func (q *quadNode) insert(x, y float64, w, depth int) {
	if q.count == 0 {
		q.leaf = true
		q.px, q.py = x, y
		q.mx, q.my = x, y
		q.count = w
		return
	}

	total := float64(q.count + w)
	q.mx = (q.mx*float64(q.count) + x*float64(w)) / total
	q.my = (q.my*float64(q.count) + y*float64(w)) / total

	if q.leaf {
		if (x == q.px && y == q.py) || depth >= maxTreeDepth {
			q.count += w
			return
		}
		q.leaf = false
		q.children = make([]quadNode, 4)
		for c := range q.children {
			h := q.half / 2
			q.children[c].half = h
			q.children[c].cx = q.cx - h
			q.children[c].cy = q.cy - h
			if c&1 != 0 {
				q.children[c].cx = q.cx + h
			}
			if c&2 != 0 {
				q.children[c].cy = q.cy + h
			}
		}
		q.child(q.px, q.py).insert(q.px, q.py, q.count, depth+1)
	}
	q.count += w
	q.child(x, y).insert(x, y, w, depth+1)
}

func (q *quadNode) child(x, y float64) *quadNode {
	c := 0
	if x >= q.cx {
		c |= 1
	}
	if y >= q.cy {
		c |= 2
	}
	return &q.children[c]
}

// repulsion accumulates the unnormalized repulsive force on (x, y) and the
// point's contribution to the normalization term Z. Cells whose width over
// distance is below theta are summarized by their center of mass; points at
// exactly (x, y) are skipped.
func (q *quadNode) repulsion(x, y, theta float64, fx, fy, z *float64) {
	if q.count == 0 {
		return
	}
	dx, dy := x-q.mx, y-q.my
	d2 := dx*dx + dy*dy
	width := 2 * q.half
	if q.leaf || width*width < theta*theta*d2 {
		if d2 == 0 {
			return
		}
		num := 1 / (1 + d2)
		w := float64(q.count) * num
		*z += w
		*fx += w * num * dx
		*fy += w * num * dy
		return
	}
	for c := range q.children {
		q.children[c].repulsion(x, y, theta, fx, fy, z)
	}
}
