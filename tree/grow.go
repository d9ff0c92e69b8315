package tree

import (
	"math"
	"math/rand/v2"

	"github.com/YuminosukeSato/agipredict/core/parallel"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// Growth selects the order in which leaves are expanded.
type Growth int

const (
	// DepthWise expands every splittable leaf level by level (XGBoost, CART).
	DepthWise Growth = iota
	// LeafWise always expands the leaf with the largest gain (LightGBM).
	LeafWise
)

func (g Growth) String() string {
	if g == LeafWise {
		return "leaf-wise"
	}
	return "depth-wise"
}

// Params controls tree growth. Zero values disable the corresponding limit.
type Params struct {
	Growth Growth
	// MaxDepth bounds the depth of any node; 0 is unlimited.
	MaxDepth int
	// MaxLeaves bounds the number of leaves; 0 is unlimited.
	MaxLeaves       int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MinChildWeight  float64
	// Lambda is the L2 penalty on leaf weights.
	Lambda float64
	// Gamma is the minimum gain required to split.
	Gamma float64
	// MaxFeatures is the number of candidate features drawn at each split;
	// 0 uses every feature passed to Grow.
	MaxFeatures int
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.MaxDepth < 0:
		return errors.NewValidationError("max_depth", "must be >= 0", p.MaxDepth)
	case p.MaxLeaves != 0 && p.MaxLeaves < 2:
		return errors.NewValidationError("max_leaves", "must be 0 or >= 2", p.MaxLeaves)
	case p.MinSamplesLeaf < 0:
		return errors.NewValidationError("min_samples_leaf", "must be >= 0", p.MinSamplesLeaf)
	case p.Lambda < 0:
		return errors.NewValidationError("lambda", "must be >= 0", p.Lambda)
	case p.Gamma < 0:
		return errors.NewValidationError("gamma", "must be >= 0", p.Gamma)
	case p.MaxFeatures < 0:
		return errors.NewValidationError("max_features", "must be >= 0", p.MaxFeatures)
	}
	return nil
}

// split is the best split found for a leaf.
type split struct {
	ok        bool
	feature   int
	bin       int
	threshold float64
	gain      float64
}

// leaf is an expandable leaf during growth.
type leaf struct {
	node  int
	rows  []int
	depth int
	g, h  float64
	best  split
}

type grower struct {
	ds       *Dataset
	grad     []float64
	hess     []float64
	features []int
	p        Params
	rng      *rand.Rand
	tree     *Tree
}

// Grow fits one tree to the gradient statistics of rows, considering only
// the given features. rows may contain duplicates (bootstrap samples).
// rng drives per-split feature sampling and may be nil when MaxFeatures is 0.
func Grow(ds *Dataset, grad, hess []float64, rows, features []int, p Params, rng *rand.Rand) *Tree {
	g := &grower{ds: ds, grad: grad, hess: hess, features: features, p: p, rng: rng, tree: &Tree{}}
	root := g.newLeaf(rows, 0)

	switch p.Growth {
	case LeafWise:
		g.growLeafWise(root)
	default:
		g.growDepthWise(root)
	}
	return g.tree
}

func (g *grower) newLeaf(rows []int, depth int) *leaf {
	var sg, sh float64
	for _, r := range rows {
		sg += g.grad[r]
		sh += g.hess[r]
	}
	idx := len(g.tree.Nodes)
	g.tree.Nodes = append(g.tree.Nodes, Node{
		Feature: -1,
		Left:    -1,
		Right:   -1,
		Value:   leafWeight(sg, sh, g.p.Lambda),
		Cover:   sh,
		Count:   len(rows),
		Depth:   depth,
	})
	l := &leaf{node: idx, rows: rows, depth: depth, g: sg, h: sh}
	if g.splittable(l) {
		l.best = g.findSplit(l)
	}
	return l
}

func (g *grower) splittable(l *leaf) bool {
	if g.p.MaxDepth > 0 && l.depth >= g.p.MaxDepth {
		return false
	}
	if len(l.rows) < 2 || len(l.rows) < g.p.MinSamplesSplit {
		return false
	}
	return len(l.rows) >= 2*max(g.p.MinSamplesLeaf, 1)
}

func (g *grower) growDepthWise(root *leaf) {
	queue := []*leaf{root}
	leaves := 1
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if !l.best.ok || (g.p.MaxLeaves > 0 && leaves >= g.p.MaxLeaves) {
			continue
		}
		left, right := g.expand(l)
		leaves++
		queue = append(queue, left, right)
	}
}

func (g *grower) growLeafWise(root *leaf) {
	open := []*leaf{root}
	leaves := 1
	for g.p.MaxLeaves == 0 || leaves < g.p.MaxLeaves {
		bestIdx := -1
		for i, l := range open {
			if l.best.ok && (bestIdx < 0 || l.best.gain > open[bestIdx].best.gain) {
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			return
		}
		l := open[bestIdx]
		open = append(open[:bestIdx], open[bestIdx+1:]...)
		left, right := g.expand(l)
		leaves++
		open = append(open, left, right)
	}
}

// expand turns leaf l into an internal node with two new leaves.
func (g *grower) expand(l *leaf) (*leaf, *leaf) {
	s := l.best
	codes := g.ds.Codes[s.feature]
	leftRows := make([]int, 0, len(l.rows)/2)
	rightRows := make([]int, 0, len(l.rows)/2)
	for _, r := range l.rows {
		if int(codes[r]) <= s.bin {
			leftRows = append(leftRows, r)
		} else {
			rightRows = append(rightRows, r)
		}
	}
	l.rows = nil

	left := g.newLeaf(leftRows, l.depth+1)
	right := g.newLeaf(rightRows, l.depth+1)

	n := &g.tree.Nodes[l.node]
	n.Feature = s.feature
	n.Threshold = s.threshold
	n.Gain = s.gain
	n.Left = left.node
	n.Right = right.node
	return left, right
}

// candidates returns the features examined for one split.
func (g *grower) candidates() []int {
	k := g.p.MaxFeatures
	if k <= 0 || k >= len(g.features) || g.rng == nil {
		return g.features
	}
	perm := g.rng.Perm(len(g.features))[:k]
	out := make([]int, k)
	for i, p := range perm {
		out[i] = g.features[p]
	}
	return out
}

func (g *grower) findSplit(l *leaf) split {
	feats := g.candidates()
	results := make([]split, len(feats))
	parallel.ParallelizeWithThreshold(len(feats), 8, func(start, end int) {
		for i := start; i < end; i++ {
			results[i] = g.bestSplitForFeature(l, feats[i])
		}
	})

	var best split
	for _, s := range results {
		if !s.ok {
			continue
		}
		if !best.ok || s.gain > best.gain || (s.gain == best.gain && s.feature < best.feature) {
			best = s
		}
	}
	return best
}

func (g *grower) bestSplitForFeature(l *leaf, feature int) split {
	nb := g.ds.NumBins(feature)
	if nb < 2 {
		return split{}
	}
	codes := g.ds.Codes[feature]
	hg := make([]float64, nb)
	hh := make([]float64, nb)
	hn := make([]int, nb)
	for _, r := range l.rows {
		b := codes[r]
		hg[b] += g.grad[r]
		hh[b] += g.hess[r]
		hn[b]++
	}

	lambda := g.p.Lambda
	parent := l.g * l.g / (l.h + lambda)
	minLeaf := max(g.p.MinSamplesLeaf, 1)

	best := split{feature: feature}
	var gl, hl float64
	var nl int
	for b := 0; b < nb-1; b++ {
		gl += hg[b]
		hl += hh[b]
		nl += hn[b]
		if hn[b] == 0 {
			continue
		}
		nr := len(l.rows) - nl
		if nl < minLeaf || nr < minLeaf {
			continue
		}
		gr, hr := l.g-gl, l.h-hl
		if hl < g.p.MinChildWeight || hr < g.p.MinChildWeight {
			continue
		}
		gain := 0.5*(gl*gl/(hl+lambda)+gr*gr/(hr+lambda)-parent) - g.p.Gamma
		if gain > 1e-12 && (!best.ok || gain > best.gain) {
			best.ok = true
			best.bin = b
			best.gain = gain
			best.threshold = g.ds.Thresholds[feature][b]
		}
	}
	return best
}

func leafWeight(g, h, lambda float64) float64 {
	d := h + lambda
	if math.Abs(d) < 1e-12 {
		return 0
	}
	return -g / d
}
