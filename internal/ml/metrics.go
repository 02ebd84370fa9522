package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/metgo/quillota/internal/models"
)

// R2 is the coefficient of determination. A constant target scores 1 for a
// perfect fit and 0 otherwise.
func R2(y, pred []float64) float64 {
	mean := stat.Mean(y, nil)
	var ssRes, ssTot float64
	for i, v := range y {
		ssRes += (v - pred[i]) * (v - pred[i])
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func RMSE(y, pred []float64) float64 {
	var s float64
	for i, v := range y {
		s += (v - pred[i]) * (v - pred[i])
	}
	return math.Sqrt(s / float64(len(y)))
}

func MAE(y, pred []float64) float64 {
	var s float64
	for i, v := range y {
		s += math.Abs(v - pred[i])
	}
	return s / float64(len(y))
}

// MAPE is the mean absolute percentage error over rows with a non-zero target.
func MAPE(y, pred []float64) float64 {
	var s float64
	n := 0
	for i, v := range y {
		if v == 0 {
			continue
		}
		s += math.Abs((v - pred[i]) / v)
		n++
	}
	if n == 0 {
		return 0
	}
	return 100 * s / float64(n)
}

func MaxError(y, pred []float64) float64 {
	var m float64
	for i, v := range y {
		m = math.Max(m, math.Abs(v-pred[i]))
	}
	return m
}

// Evaluate fills the in-sample metrics and residual shape of a model.
func Evaluate(y, pred []float64) models.ModelMetrics {
	resid := make([]float64, len(y))
	for i, v := range y {
		resid[i] = v - pred[i]
	}
	m := models.ModelMetrics{
		R2:       R2(y, pred),
		RMSE:     RMSE(y, pred),
		MAE:      MAE(y, pred),
		MAPE:     MAPE(y, pred),
		MaxError: MaxError(y, pred),
		Samples:  len(y),
	}
	if len(resid) > 3 {
		m.ResidualSkew = finite(stat.Skew(resid, nil))
		m.ResidualKurtosis = finite(stat.ExKurtosis(resid, nil))
	}
	return m
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
