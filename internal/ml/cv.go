package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Split holds the row indices of one fold.
type Split struct {
	Train []int
	Test  []int
}

// ForwardChaining partitions n time-ordered rows into folds where every test
// block follows its training rows. The first block of n/(folds+1) rows is
// only ever trained on.
func ForwardChaining(n, folds int) ([]Split, error) {
	if folds < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", folds)
	}
	size := n / (folds + 1)
	if size < 1 {
		return nil, fmt.Errorf("%d rows cannot form %d folds", n, folds)
	}
	splits := make([]Split, 0, folds)
	for k := 0; k < folds; k++ {
		start := n - (folds-k)*size
		var sp Split
		for i := 0; i < start; i++ {
			sp.Train = append(sp.Train, i)
		}
		for i := start; i < start+size; i++ {
			sp.Test = append(sp.Test, i)
		}
		splits = append(splits, sp)
	}
	return splits, nil
}

// CVResult holds per-fold scores and out-of-fold predictions. OOF is NaN for
// rows never tested.
type CVResult struct {
	R2   []float64
	RMSE []float64
	OOF  []float64
}

func (r CVResult) R2Mean() float64   { return stat.Mean(r.R2, nil) }
func (r CVResult) R2Std() float64    { return popStd(r.R2) }
func (r CVResult) RMSEMean() float64 { return stat.Mean(r.RMSE, nil) }
func (r CVResult) RMSEStd() float64  { return popStd(r.RMSE) }

func popStd(v []float64) float64 {
	_, sd := stat.PopMeanStdDev(v, nil)
	return finite(sd)
}

// CrossValidate fits a fresh regressor per fold.
func CrossValidate(factory func() (Regressor, error), X [][]float64, y []float64, splits []Split) (CVResult, error) {
	res := CVResult{OOF: make([]float64, len(y))}
	for i := range res.OOF {
		res.OOF[i] = math.NaN()
	}
	for k, sp := range splits {
		r, err := factory()
		if err != nil {
			return res, err
		}
		if err := r.Fit(rows(X, sp.Train), values(y, sp.Train)); err != nil {
			return res, fmt.Errorf("fold %d: %w", k, err)
		}
		yt := values(y, sp.Test)
		pred := make([]float64, len(sp.Test))
		for j, i := range sp.Test {
			pred[j] = r.Predict(X[i])
			res.OOF[i] = pred[j]
		}
		res.R2 = append(res.R2, R2(yt, pred))
		res.RMSE = append(res.RMSE, RMSE(yt, pred))
	}
	return res, nil
}

func rows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for j, i := range idx {
		out[j] = X[i]
	}
	return out
}

func values(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for j, i := range idx {
		out[j] = y[i]
	}
	return out
}
