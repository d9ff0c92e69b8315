package tree

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Node is one node of a Tree. Leaves have Left == Right == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	// Value is the optimal leaf weight -G/(H+lambda) of the samples that
	// reached the node; internal nodes keep theirs for inspection.
	Value float64
	// Gain is the split gain of an internal node.
	Gain float64
	// Cover is the hessian mass that reached the node during training.
	Cover float64
	Count int
	Depth int
}

// IsLeaf reports whether the node is terminal.
func (n *Node) IsLeaf() bool { return n.Left < 0 && n.Right < 0 }

// Tree is a binary regression tree stored as a flat node slice with the
// root at index 0.
type Tree struct {
	Nodes []Node
}

// next returns the child of node n for the sample x. Values at or below the
// threshold go left; NaN goes right, like the last histogram bin.
func (n *Node) next(x []float64) int {
	v := x[n.Feature]
	if !math.IsNaN(v) && v <= n.Threshold {
		return n.Left
	}
	return n.Right
}

// Leaf returns the index of the leaf reached by x.
func (t *Tree) Leaf(x []float64) int {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		i = t.Nodes[i].next(x)
	}
	return i
}

// PredictRow returns the leaf value for one sample.
func (t *Tree) PredictRow(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	return t.Nodes[t.Leaf(x)].Value
}

// AddPredictions adds scale * tree output to out for every row of X.
func (t *Tree) AddPredictions(X *mat.Dense, scale float64, out []float64) {
	r, _ := X.Dims()
	for i := 0; i < r; i++ {
		out[i] += scale * t.PredictRow(X.RawRowView(i))
	}
}

// NumLeaves counts the terminal nodes.
func (t *Tree) NumLeaves() int {
	n := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			n++
		}
	}
	return n
}

// Depth returns the depth of the deepest node; a single leaf has depth 0.
func (t *Tree) Depth() int {
	d := 0
	for i := range t.Nodes {
		if t.Nodes[i].Depth > d {
			d = t.Nodes[i].Depth
		}
	}
	return d
}

// AddGainImportance accumulates the split gain of every internal node into
// imp, indexed by feature.
func (t *Tree) AddGainImportance(imp []float64) {
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if !n.IsLeaf() && n.Feature < len(imp) {
			imp[n.Feature] += n.Gain
		}
	}
}

// ExpectedValue is the cover-weighted mean leaf value, the prediction
// with every feature missing.
func (t *Tree) ExpectedValue() float64 {
	if len(t.Nodes) == 0 || t.Nodes[0].Cover == 0 {
		return 0
	}
	var sum float64
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			sum += t.Nodes[i].Value * t.Nodes[i].Cover
		}
	}
	return sum / t.Nodes[0].Cover
}
