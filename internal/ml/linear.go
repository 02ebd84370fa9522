package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Linear is a penalised least-squares model on standardised inputs. Ridge is
// solved in closed form; lasso and elastic-net by cyclic coordinate descent
// on 1/(2n)·||y−Xw||² + α·ρ·|w|₁ + α·(1−ρ)/2·||w||².
type Linear struct {
	Algorithm string    `json:"algorithm"`
	Alpha     float64   `json:"alpha"`
	L1Ratio   float64   `json:"l1_ratio"`
	MaxIter   int       `json:"max_iter"`
	Tol       float64   `json:"tol"`
	Scaler    Scaler    `json:"scaler"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func newLinear(name string, p Params) *Linear {
	l := &Linear{
		Algorithm: name,
		Alpha:     p.get("alpha", 1),
		MaxIter:   p.int("max_iter", 1000),
		Tol:       p.get("tol", 1e-6),
	}
	switch name {
	case Lasso:
		l.L1Ratio = 1
	case ElasticNet:
		l.L1Ratio = p.get("l1_ratio", 0.5)
	}
	return l
}

func (l *Linear) Name() string { return l.Algorithm }

func (l *Linear) Params() map[string]float64 {
	p := map[string]float64{"alpha": l.Alpha}
	if l.Algorithm != Ridge {
		p["max_iter"] = float64(l.MaxIter)
		p["tol"] = l.Tol
	}
	if l.Algorithm == ElasticNet {
		p["l1_ratio"] = l.L1Ratio
	}
	return p
}

func (l *Linear) Fit(X [][]float64, y []float64) error {
	if err := checkShape(X, y); err != nil {
		return err
	}
	l.Scaler = FitScaler(X)
	Xs := l.Scaler.TransformAll(X)
	l.Intercept = stat.Mean(y, nil)
	yc := make([]float64, len(y))
	for i, v := range y {
		yc[i] = v - l.Intercept
	}

	if l.Algorithm == Ridge {
		coef, err := ridgeSolve(Xs, yc, l.Alpha)
		if err != nil {
			return err
		}
		l.Coef = coef
		return nil
	}
	l.Coef = coordinateDescent(Xs, yc, l.Alpha, l.L1Ratio, l.MaxIter, l.Tol)
	return nil
}

func (l *Linear) Predict(x []float64) float64 {
	v := l.Intercept
	for j, c := range l.Coef {
		v += c * (x[j] - l.Scaler.Mean[j]) / l.Scaler.Std[j]
	}
	return v
}

func ridgeSolve(X [][]float64, y []float64, alpha float64) ([]float64, error) {
	n, p := len(X), len(X[0])
	flat := make([]float64, 0, n*p)
	for _, row := range X {
		flat = append(flat, row...)
	}
	A := mat.NewDense(n, p, flat)
	b := mat.NewVecDense(n, y)

	gram := mat.NewSymDense(p, nil)
	gram.SymOuterK(1, A.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(A.T(), b)

	var w mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(gram) {
		if err := chol.SolveVecTo(&w, &rhs); err == nil {
			return w.RawVector().Data, nil
		}
	}
	if err := w.SolveVec(gram, &rhs); err != nil {
		return nil, fmt.Errorf("ridge solve: %w", err)
	}
	return w.RawVector().Data, nil
}

func coordinateDescent(X [][]float64, y []float64, alpha, l1 float64, maxIter int, tol float64) []float64 {
	n, p := len(X), len(X[0])
	nf := float64(n)
	w := make([]float64, p)
	r := append([]float64(nil), y...)

	z := make([]float64, p)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			z[j] += X[i][j] * X[i][j]
		}
		z[j] /= nf
	}

	for range maxIter {
		maxDelta := 0.0
		for j := 0; j < p; j++ {
			if z[j] == 0 {
				continue
			}
			var rho float64
			for i := 0; i < n; i++ {
				rho += X[i][j] * (r[i] + X[i][j]*w[j])
			}
			rho /= nf
			next := softThreshold(rho, alpha*l1) / (z[j] + alpha*(1-l1))
			if d := next - w[j]; d != 0 {
				for i := 0; i < n; i++ {
					r[i] -= X[i][j] * d
				}
				maxDelta = math.Max(maxDelta, math.Abs(d))
				w[j] = next
			}
		}
		if maxDelta < tol {
			break
		}
	}
	return w
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	}
	return 0
}
