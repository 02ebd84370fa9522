package ml

import (
	"math/rand/v2"
	"slices"
)

// Node is one entry of a flattened regression tree. Leaves have Feature -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// Tree is a CART regression tree minimising squared error. With Random set
// it draws one uniform threshold per candidate feature instead of scanning
// every split point.
type Tree struct {
	Nodes []Node `json:"nodes"`

	maxDepth    int
	minLeaf     int
	maxFeatures float64
	random      bool
}

func newTree(maxDepth, minLeaf int, maxFeatures float64, random bool) *Tree {
	if minLeaf < 1 {
		minLeaf = 1
	}
	return &Tree{maxDepth: maxDepth, minLeaf: minLeaf, maxFeatures: maxFeatures, random: random}
}

// fit grows the tree on the rows listed in idx.
func (t *Tree) fit(X [][]float64, y []float64, idx []int, rng *rand.Rand) {
	t.Nodes = t.Nodes[:0]
	t.grow(X, y, slices.Clone(idx), 0, rng)
}

func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	n := 0
	for t.Nodes[n].Feature >= 0 {
		nd := t.Nodes[n]
		if x[nd.Feature] <= nd.Threshold {
			n = nd.Left
		} else {
			n = nd.Right
		}
	}
	return t.Nodes[n].Value
}

func (t *Tree) grow(X [][]float64, y []float64, idx []int, depth int, rng *rand.Rand) int {
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Feature: -1, Value: sum / float64(len(idx))})

	if (t.maxDepth > 0 && depth >= t.maxDepth) || len(idx) < 2*t.minLeaf {
		return id
	}

	feat, thr, ok := t.bestSplit(X, y, idx, rng)
	if !ok {
		return id
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < t.minLeaf || len(right) < t.minLeaf {
		return id
	}

	l := t.grow(X, y, left, depth+1, rng)
	r := t.grow(X, y, right, depth+1, rng)
	t.Nodes[id] = Node{Feature: feat, Threshold: thr, Left: l, Right: r, Value: t.Nodes[id].Value}
	return id
}

// bestSplit maximises sumL²/nL + sumR²/nR, which is equivalent to
// minimising the children's squared error.
func (t *Tree) bestSplit(X [][]float64, y []float64, idx []int, rng *rand.Rand) (int, float64, bool) {
	features := t.candidateFeatures(len(X[0]), rng)
	var total float64
	for _, i := range idx {
		total += y[i]
	}
	n := float64(len(idx))
	base := total * total / n

	bestFeat, bestThr, bestGain := -1, 0.0, 1e-12
	order := make([]int, len(idx))

	for _, f := range features {
		if t.random {
			lo, hi := X[idx[0]][f], X[idx[0]][f]
			for _, i := range idx[1:] {
				lo, hi = min(lo, X[i][f]), max(hi, X[i][f])
			}
			if lo == hi {
				continue
			}
			thr := lo + rng.Float64()*(hi-lo)
			var sl float64
			nl := 0
			for _, i := range idx {
				if X[i][f] <= thr {
					sl += y[i]
					nl++
				}
			}
			nr := len(idx) - nl
			if nl < t.minLeaf || nr < t.minLeaf {
				continue
			}
			sr := total - sl
			gain := sl*sl/float64(nl) + sr*sr/float64(nr) - base
			if gain > bestGain {
				bestFeat, bestThr, bestGain = f, thr, gain
			}
			continue
		}

		copy(order, idx)
		slices.SortFunc(order, func(a, b int) int {
			switch {
			case X[a][f] < X[b][f]:
				return -1
			case X[a][f] > X[b][f]:
				return 1
			}
			return 0
		})
		var sl float64
		for p := 0; p < len(order)-1; p++ {
			sl += y[order[p]]
			nl := p + 1
			nr := len(order) - nl
			a, b := X[order[p]][f], X[order[p+1]][f]
			if a == b || nl < t.minLeaf || nr < t.minLeaf {
				continue
			}
			sr := total - sl
			gain := sl*sl/float64(nl) + sr*sr/float64(nr) - base
			if gain > bestGain {
				bestFeat, bestThr, bestGain = f, (a+b)/2, gain
			}
		}
	}
	return bestFeat, bestThr, bestFeat >= 0
}

func (t *Tree) candidateFeatures(p int, rng *rand.Rand) []int {
	m := p
	if t.maxFeatures > 0 && t.maxFeatures < 1 {
		m = max(1, int(t.maxFeatures*float64(p)))
	}
	if m >= p {
		all := make([]int, p)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return rng.Perm(p)[:m]
}
