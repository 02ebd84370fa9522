package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// FScores returns the univariate regression F-statistic of each column
// against y. Constant columns score zero.
func FScores(X [][]float64, y []float64) []float64 {
	if len(X) == 0 {
		return nil
	}
	n := len(X)
	cols := len(X[0])
	scores := make([]float64, cols)
	col := make([]float64, n)
	for j := 0; j < cols; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		r := stat.Correlation(col, y, nil)
		if math.IsNaN(r) || n < 3 {
			continue
		}
		r2 := r * r
		if r2 >= 1 {
			scores[j] = math.MaxFloat64
			continue
		}
		scores[j] = r2 / (1 - r2) * float64(n-2)
	}
	return scores
}

// TopK returns the indices of the k best scores in ascending column order.
func TopK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	keep := append([]int(nil), idx[:k]...)
	sort.Ints(keep)
	return keep
}
