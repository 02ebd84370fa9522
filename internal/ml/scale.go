package ml

import (
	"gonum.org/v1/gonum/stat"
)

// Scaler standardises columns to zero mean and unit variance. Constant
// columns keep a unit scale so they map to zero.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitScaler(X [][]float64) Scaler {
	w := len(X[0])
	s := Scaler{Mean: make([]float64, w), Std: make([]float64, w)}
	col := make([]float64, len(X))
	for j := 0; j < w; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		m, sd := stat.PopMeanStdDev(col, nil)
		if sd == 0 {
			sd = 1
		}
		s.Mean[j], s.Std[j] = m, sd
	}
	return s
}

func (s Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

func (s Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = s.Transform(x)
	}
	return out
}

// targetScale standardises y.
type targetScale struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func fitTarget(y []float64) (targetScale, []float64) {
	m, sd := stat.PopMeanStdDev(y, nil)
	if sd == 0 {
		sd = 1
	}
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = (v - m) / sd
	}
	return targetScale{Mean: m, Std: sd}, out
}

func (t targetScale) inverse(v float64) float64 { return t.Mean + t.Std*v }
