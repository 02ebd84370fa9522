package training

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/metgo/quillota/internal/ml"
)

// foldObjective scores weights by the mean per-fold RMSE of the weighted
// out-of-fold prediction. preds[m][i] is model m's prediction for row i.
type foldObjective struct {
	preds [][]float64
	y     []float64
	folds [][]int
}

func (o foldObjective) combine(w []float64, i int) float64 {
	var v float64
	for m, p := range o.preds {
		v += w[m] * p[i]
	}
	return v
}

func (o foldObjective) score(w []float64) float64 {
	var total float64
	for _, test := range o.folds {
		var se float64
		for _, i := range test {
			d := o.y[i] - o.combine(w, i)
			se += d * d
		}
		total += math.Sqrt(se / float64(len(test)))
	}
	return total / float64(len(o.folds))
}

// foldScores returns R² and RMSE per fold for the weighted combination.
func (o foldObjective) foldScores(w []float64) (r2, rmse []float64) {
	for _, test := range o.folds {
		yt := make([]float64, len(test))
		pt := make([]float64, len(test))
		for j, i := range test {
			yt[j], pt[j] = o.y[i], o.combine(w, i)
		}
		r2 = append(r2, ml.R2(yt, pt))
		rmse = append(rmse, ml.RMSE(yt, pt))
	}
	return r2, rmse
}

func softmax(theta []float64) []float64 {
	hi := theta[0]
	for _, t := range theta[1:] {
		hi = math.Max(hi, t)
	}
	w := make([]float64, len(theta))
	var sum float64
	for i, t := range theta {
		w[i] = math.Exp(t - hi)
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// OptimizeWeights finds convex weights minimising the mean fold RMSE. The
// simplex search runs over a softmax parameterisation so 0 ≤ w ≤ 1 and
// Σw = 1 hold throughout; equal and one-hot weights are always candidates,
// so the result never scores worse than the best single model.
func OptimizeWeights(preds [][]float64, y []float64, folds [][]int) []float64 {
	n := len(preds)
	obj := foldObjective{preds: preds, y: y, folds: folds}

	candidates := [][]float64{softmax(make([]float64, n))}
	for m := 0; m < n; m++ {
		hot := make([]float64, n)
		hot[m] = 1
		candidates = append(candidates, hot)
	}

	if n > 1 {
		p := optimize.Problem{Func: func(theta []float64) float64 { return obj.score(softmax(theta)) }}
		settings := &optimize.Settings{FuncEvaluations: 400 * n}
		// A limit-terminated search still carries its best point.
		res, _ := optimize.Minimize(p, make([]float64, n), settings, &optimize.NelderMead{SimplexSize: 1})
		if res != nil && len(res.X) == n {
			candidates = append(candidates, softmax(res.X))
		}
	}

	best, bestScore := candidates[0], math.Inf(1)
	for _, c := range candidates {
		if s := obj.score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return normalise(best)
}

func normalise(w []float64) []float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = v / sum
	}
	return out
}
