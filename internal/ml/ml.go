// Package ml implements the regressors, metrics and time-ordered
// cross-validation used by the trainer. Every regressor is deterministic for
// a given seed and serialises to JSON.
package ml

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Catalogue names.
const (
	Bagging    = "bagging"
	Boosting   = "boosting"
	ExtraTrees = "extra_trees"
	SVR        = "svr"
	MLP        = "mlp"
	Ridge      = "ridge"
	Lasso      = "lasso"
	ElasticNet = "elastic_net"
)

type Regressor interface {
	Name() string
	// Params returns the effective hyperparameters.
	Params() map[string]float64
	Fit(X [][]float64, y []float64) error
	Predict(x []float64) float64
}

// Params are hyperparameters keyed by name.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) int(key string, def int) int {
	return int(p.get(key, float64(def)))
}

var defaults = map[string]Params{
	Bagging:    {"n_estimators": 10, "max_depth": 12, "min_samples_leaf": 2, "max_features": 1.0, "seed": 42},
	ExtraTrees: {"n_estimators": 50, "max_depth": 12, "min_samples_leaf": 2, "max_features": 1.0, "seed": 42},
	Boosting:   {"n_estimators": 100, "learning_rate": 0.1, "max_depth": 3, "min_samples_leaf": 1, "subsample": 1.0, "seed": 42},
	SVR:        {"c": 1.0, "epsilon": 0.1, "gamma": 0, "max_iter": 200, "tol": 1e-4, "max_samples": 2000},
	MLP:        {"hidden": 32, "epochs": 200, "learning_rate": 0.01, "alpha": 1e-4, "batch_size": 32, "seed": 42},
	Ridge:      {"alpha": 1.0},
	Lasso:      {"alpha": 0.01, "max_iter": 1000, "tol": 1e-6},
	ElasticNet: {"alpha": 0.01, "l1_ratio": 0.5, "max_iter": 1000, "tol": 1e-6},
}

// Algorithms lists the catalogue in a stable order.
func Algorithms() []string {
	return slices.Sorted(maps.Keys(defaults))
}

// Defaults returns a copy of an algorithm's default hyperparameters.
func Defaults(name string) (Params, bool) {
	d, ok := defaults[name]
	if !ok {
		return nil, false
	}
	return maps.Clone(d), true
}

// New builds an unfitted regressor, applying overrides on top of the defaults.
// Unknown override keys are rejected.
func New(name string, overrides map[string]float64) (Regressor, error) {
	p, ok := Defaults(name)
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", name)
	}
	for k, v := range overrides {
		if _, known := p[k]; !known {
			return nil, fmt.Errorf("%s: unknown parameter %q (known: %v)", name, k, slices.Sorted(maps.Keys(p)))
		}
		p[k] = v
	}

	switch name {
	case Bagging:
		return newForest(Bagging, p, true, false), nil
	case ExtraTrees:
		return newForest(ExtraTrees, p, false, true), nil
	case Boosting:
		return newGradientBoosting(p), nil
	case SVR:
		return newKernelSVR(p), nil
	case MLP:
		return newMLP(p), nil
	case Ridge, Lasso, ElasticNet:
		return newLinear(name, p), nil
	}
	return nil, fmt.Errorf("unknown algorithm %q", name)
}

// Artifact is the serialised form of a fitted regressor.
type Artifact struct {
	Algorithm string          `json:"algorithm"`
	Model     json.RawMessage `json:"model"`
}

func Marshal(r Regressor) (Artifact, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal %s: %w", r.Name(), err)
	}
	return Artifact{Algorithm: r.Name(), Model: b}, nil
}

func Unmarshal(a Artifact) (Regressor, error) {
	r, err := New(a.Algorithm, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(a.Model, r); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", a.Algorithm, err)
	}
	return r, nil
}

// PredictAll applies r to every row.
func PredictAll(r Regressor, X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = r.Predict(x)
	}
	return out
}

func checkShape(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("no training rows")
	}
	if len(X) != len(y) {
		return fmt.Errorf("%d rows but %d targets", len(X), len(y))
	}
	w := len(X[0])
	for i, row := range X {
		if len(row) != w {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), w)
		}
	}
	return nil
}
