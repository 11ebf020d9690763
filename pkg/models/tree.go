package models

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

// minGain is the smallest reduction in squared error worth a split.
const minGain = 1e-9

// TreeOptions configures a regression tree.
type TreeOptions struct {
	// MaxDepth bounds the number of splits from root to leaf. 0 means
	// unbounded.
	MaxDepth int
	// MinSamplesLeaf is the minimum number of training rows in a leaf.
	MinSamplesLeaf int
	// MaxFeatures is the fraction of features considered at each split.
	// 0 or >= 1 considers every feature.
	MaxFeatures float64
	// Seed drives feature subsampling.
	Seed uint64
}

// Node is one node of a fitted tree, stored in a flat slice. Leaves have
// Feature == -1 and carry the prediction in Value.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// Tree is a CART regression tree minimising squared error. Rows whose
// feature value is <= Threshold descend left.
type Tree struct {
	MaxDepth       int    `json:"max_depth"`
	MinSamplesLeaf int    `json:"min_samples_leaf"`
	Width          int    `json:"width"`
	Nodes          []Node `json:"nodes"`

	maxFeatures float64
	rng         *rand.Rand
}

// NewTree returns an unfitted tree.
func NewTree(opts TreeOptions) *Tree {
	t := &Tree{
		MaxDepth:       opts.MaxDepth,
		MinSamplesLeaf: max(opts.MinSamplesLeaf, 1),
		maxFeatures:    opts.MaxFeatures,
	}
	if opts.MaxFeatures > 0 && opts.MaxFeatures < 1 {
		t.rng = rand.New(rand.NewPCG(opts.Seed, 0x7265676e))
	}
	return t
}

// Name returns the estimator identifier.
func (t *Tree) Name() string {
	return DecisionTree
}

// Params returns the hyperparameters.
func (t *Tree) Params() Params {
	return Params{
		"max_depth":        float64(t.MaxDepth),
		"min_samples_leaf": float64(t.MinSamplesLeaf),
	}
}

// Fit grows the tree on every training row.
func (t *Tree) Fit(ctx context.Context, X [][]float64, y []float64) error {
	width, err := checkTraining(X, y)
	if err != nil {
		return fmt.Errorf("%s: %w", DecisionTree, err)
	}
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	return t.fitIndices(ctx, X, y, idx, width)
}

// fitIndices grows the tree on the rows named by idx, which may repeat.
func (t *Tree) fitIndices(ctx context.Context, X [][]float64, y []float64, idx []int, width int) error {
	t.Width = width
	t.MinSamplesLeaf = max(t.MinSamplesLeaf, 1)
	t.Nodes = t.Nodes[:0]
	_, err := t.grow(ctx, X, y, idx, 0)
	return err
}

func (t *Tree) grow(ctx context.Context, X [][]float64, y []float64, idx []int, depth int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Feature: -1, Value: sum / float64(len(idx))})

	if t.MaxDepth > 0 && depth >= t.MaxDepth {
		return id, nil
	}
	if len(idx) < 2*t.MinSamplesLeaf {
		return id, nil
	}

	feature, threshold, ok := t.bestSplit(X, y, idx, sum)
	if !ok {
		return id, nil
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l, err := t.grow(ctx, X, y, left, depth+1)
	if err != nil {
		return 0, err
	}
	r, err := t.grow(ctx, X, y, right, depth+1)
	if err != nil {
		return 0, err
	}
	t.Nodes[id].Feature = feature
	t.Nodes[id].Threshold = threshold
	t.Nodes[id].Left = l
	t.Nodes[id].Right = r
	return id, nil
}

// bestSplit scans candidate features for the threshold maximising
// sumL²/nL + sumR²/nR, which is equivalent to minimising the summed squared
// error of both children. The first best split in feature order wins ties.
func (t *Tree) bestSplit(X [][]float64, y []float64, idx []int, total float64) (int, float64, bool) {
	n := len(idx)
	parent := total * total / float64(n)
	bestGain := minGain
	bestFeature, bestThreshold := -1, 0.0

	order := make([]int, n)
	for _, f := range t.candidateFeatures() {
		copy(order, idx)
		slices.SortStableFunc(order, func(a, b int) int {
			return cmp.Compare(X[a][f], X[b][f])
		})

		leftSum := 0.0
		for k := 0; k < n-1; k++ {
			leftSum += y[order[k]]
			nl := k + 1
			nr := n - nl
			if nl < t.MinSamplesLeaf {
				continue
			}
			if nr < t.MinSamplesLeaf {
				break
			}
			a, b := X[order[k]][f], X[order[k+1]][f]
			if a == b {
				continue
			}
			rightSum := total - leftSum
			gain := leftSum*leftSum/float64(nl) + rightSum*rightSum/float64(nr) - parent
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = a + (b-a)/2
				if bestThreshold >= b {
					bestThreshold = a
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func (t *Tree) candidateFeatures() []int {
	if t.rng == nil {
		all := make([]int, t.Width)
		for i := range all {
			all[i] = i
		}
		return all
	}
	m := max(int(t.maxFeatures*float64(t.Width)+0.5), 1)
	picked := t.rng.Perm(t.Width)[:m]
	slices.Sort(picked)
	return picked
}

// Predict descends the tree for each row.
func (t *Tree) Predict(X [][]float64) ([]float64, error) {
	if len(t.Nodes) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkPredict(X, t.Width); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = t.predictRow(row)
	}
	return out, nil
}

func (t *Tree) predictRow(row []float64) float64 {
	n := &t.Nodes[0]
	for n.Feature >= 0 {
		if row[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n.Value
}

// Depth returns the depth of the deepest leaf.
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(id int) int
	walk = func(id int) int {
		n := t.Nodes[id]
		if n.Feature < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

func (t *Tree) validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= t.Width {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, t.Width)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}
