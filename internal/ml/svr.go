package ml

import (
	"math"
)

// KernelSVR is an epsilon-insensitive support vector regressor with an RBF
// kernel. The bias-free dual is solved by coordinate descent on
// standardised inputs and targets; only the most recent MaxSamples rows are
// used for fitting.
type KernelSVR struct {
	C          float64     `json:"c"`
	Epsilon    float64     `json:"epsilon"`
	Gamma      float64     `json:"gamma"`
	MaxIter    int         `json:"max_iter"`
	Tol        float64     `json:"tol"`
	MaxSamples int         `json:"max_samples"`
	Scaler     Scaler      `json:"scaler"`
	Target     targetScale `json:"target"`
	Support    [][]float64 `json:"support"`
	Beta       []float64   `json:"beta"`
}

func newKernelSVR(p Params) *KernelSVR {
	return &KernelSVR{
		C:          p.get("c", 1),
		Epsilon:    p.get("epsilon", 0.1),
		Gamma:      p.get("gamma", 0),
		MaxIter:    p.int("max_iter", 200),
		Tol:        p.get("tol", 1e-4),
		MaxSamples: p.int("max_samples", 2000),
	}
}

func (s *KernelSVR) Name() string { return SVR }

func (s *KernelSVR) Params() map[string]float64 {
	return map[string]float64{
		"c":           s.C,
		"epsilon":     s.Epsilon,
		"gamma":       s.Gamma,
		"max_iter":    float64(s.MaxIter),
		"tol":         s.Tol,
		"max_samples": float64(s.MaxSamples),
	}
}

func (s *KernelSVR) kernel(a, b []float64) float64 {
	var d float64
	for j := range a {
		diff := a[j] - b[j]
		d += diff * diff
	}
	return math.Exp(-s.Gamma * d)
}

func (s *KernelSVR) Fit(X [][]float64, y []float64) error {
	if err := checkShape(X, y); err != nil {
		return err
	}
	if s.MaxSamples > 0 && len(X) > s.MaxSamples {
		X, y = X[len(X)-s.MaxSamples:], y[len(y)-s.MaxSamples:]
	}
	if s.Gamma <= 0 {
		s.Gamma = 1 / float64(len(X[0]))
	}
	s.Scaler = FitScaler(X)
	Xs := s.Scaler.TransformAll(X)
	var ys []float64
	s.Target, ys = fitTarget(y)

	n := len(Xs)
	K := make([]float64, n*n)
	for i := 0; i < n; i++ {
		K[i*n+i] = 1
		for j := 0; j < i; j++ {
			k := s.kernel(Xs[i], Xs[j])
			K[i*n+j], K[j*n+i] = k, k
		}
	}

	beta := make([]float64, n)
	f := make([]float64, n)
	for range s.MaxIter {
		maxDelta := 0.0
		for i := 0; i < n; i++ {
			g := f[i] - ys[i]
			next := softThreshold(beta[i]-g, s.Epsilon)
			next = math.Max(-s.C, math.Min(s.C, next))
			d := next - beta[i]
			if d == 0 {
				continue
			}
			beta[i] = next
			row := K[i*n : (i+1)*n]
			for j := range f {
				f[j] += d * row[j]
			}
			maxDelta = math.Max(maxDelta, math.Abs(d))
		}
		if maxDelta < s.Tol {
			break
		}
	}

	s.Support, s.Beta = s.Support[:0], s.Beta[:0]
	for i, b := range beta {
		if b != 0 {
			s.Support = append(s.Support, Xs[i])
			s.Beta = append(s.Beta, b)
		}
	}
	return nil
}

func (s *KernelSVR) Predict(x []float64) float64 {
	xs := s.Scaler.Transform(x)
	var v float64
	for i, sv := range s.Support {
		v += s.Beta[i] * s.kernel(sv, xs)
	}
	return s.Target.inverse(v)
}
