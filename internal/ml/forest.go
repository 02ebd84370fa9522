package ml

import (
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Forest averages independently grown trees. Bagging fits exhaustive CART
// trees on bootstrap resamples; extra-trees fits randomised trees on the
// full sample.
type Forest struct {
	Algorithm      string  `json:"algorithm"`
	NEstimators    int     `json:"n_estimators"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	MaxFeatures    float64 `json:"max_features"`
	Bootstrap      bool    `json:"bootstrap"`
	Random         bool    `json:"random"`
	Seed           int64   `json:"seed"`
	Trees          []*Tree `json:"trees"`
}

func newForest(name string, p Params, bootstrap, random bool) *Forest {
	return &Forest{
		Algorithm:      name,
		NEstimators:    max(1, p.int("n_estimators", 10)),
		MaxDepth:       p.int("max_depth", 0),
		MinSamplesLeaf: p.int("min_samples_leaf", 1),
		MaxFeatures:    p.get("max_features", 1),
		Bootstrap:      bootstrap,
		Random:         random,
		Seed:           int64(p.get("seed", 42)),
	}
}

func (f *Forest) Name() string { return f.Algorithm }

func (f *Forest) Params() map[string]float64 {
	return map[string]float64{
		"n_estimators":     float64(f.NEstimators),
		"max_depth":        float64(f.MaxDepth),
		"min_samples_leaf": float64(f.MinSamplesLeaf),
		"max_features":     f.MaxFeatures,
		"seed":             float64(f.Seed),
	}
}

func (f *Forest) Fit(X [][]float64, y []float64) error {
	if err := checkShape(X, y); err != nil {
		return err
	}
	f.Trees = make([]*Tree, f.NEstimators)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for k := range f.Trees {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(f.Seed), uint64(k)))
			idx := make([]int, len(X))
			for i := range idx {
				if f.Bootstrap {
					idx[i] = rng.IntN(len(X))
				} else {
					idx[i] = i
				}
			}
			t := newTree(f.MaxDepth, f.MinSamplesLeaf, f.MaxFeatures, f.Random)
			t.fit(X, y, idx, rng)
			f.Trees[k] = t
			return nil
		})
	}
	return g.Wait()
}

func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var s float64
	for _, t := range f.Trees {
		s += t.Predict(x)
	}
	return s / float64(len(f.Trees))
}
