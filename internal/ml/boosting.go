package ml

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
)

// GradientBoosting fits shallow trees to squared-error residuals.
type GradientBoosting struct {
	NEstimators    int     `json:"n_estimators"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	Subsample      float64 `json:"subsample"`
	Seed           int64   `json:"seed"`
	Init           float64 `json:"init"`
	Trees          []*Tree `json:"trees"`
}

func newGradientBoosting(p Params) *GradientBoosting {
	return &GradientBoosting{
		NEstimators:    max(1, p.int("n_estimators", 100)),
		LearningRate:   p.get("learning_rate", 0.1),
		MaxDepth:       p.int("max_depth", 3),
		MinSamplesLeaf: p.int("min_samples_leaf", 1),
		Subsample:      p.get("subsample", 1),
		Seed:           int64(p.get("seed", 42)),
	}
}

func (g *GradientBoosting) Name() string { return Boosting }

func (g *GradientBoosting) Params() map[string]float64 {
	return map[string]float64{
		"n_estimators":     float64(g.NEstimators),
		"learning_rate":    g.LearningRate,
		"max_depth":        float64(g.MaxDepth),
		"min_samples_leaf": float64(g.MinSamplesLeaf),
		"subsample":        g.Subsample,
		"seed":             float64(g.Seed),
	}
}

func (g *GradientBoosting) Fit(X [][]float64, y []float64) error {
	if err := checkShape(X, y); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(uint64(g.Seed), 0x9b))
	g.Init = stat.Mean(y, nil)
	g.Trees = g.Trees[:0]

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = g.Init
	}
	resid := make([]float64, len(y))
	all := make([]int, len(y))
	for i := range all {
		all[i] = i
	}

	for range g.NEstimators {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		idx := all
		if g.Subsample > 0 && g.Subsample < 1 {
			n := max(1, int(g.Subsample*float64(len(all))))
			perm := rng.Perm(len(all))[:n]
			idx = perm
		}
		t := newTree(g.MaxDepth, g.MinSamplesLeaf, 1, false)
		t.fit(X, resid, idx, rng)
		g.Trees = append(g.Trees, t)
		for i, x := range X {
			pred[i] += g.LearningRate * t.Predict(x)
		}
	}
	return nil
}

func (g *GradientBoosting) Predict(x []float64) float64 {
	v := g.Init
	for _, t := range g.Trees {
		v += g.LearningRate * t.Predict(x)
	}
	return v
}
