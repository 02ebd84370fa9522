package ml

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataset returns y = 2·x0 + sin(3·x1) + noise with an irrelevant x2.
func dataset(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, 7))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		x := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		X[i] = x
		y[i] = 2*x[0] + math.Sin(3*x[1]) + 0.05*rng.NormFloat64()
	}
	return X, y
}

func TestRegressors_FitHeldOut(t *testing.T) {
	X, y := dataset(300, 1)
	trainX, trainY := X[:240], y[:240]
	testX, testY := X[240:], y[240:]

	for _, name := range Algorithms() {
		t.Run(name, func(t *testing.T) {
			r, err := New(name, nil)
			require.NoError(t, err)
			require.NoError(t, r.Fit(trainX, trainY))
			score := R2(testY, PredictAll(r, testX))
			assert.Greater(t, score, 0.75, "held-out r2")
		})
	}
}

func TestRegressors_Deterministic(t *testing.T) {
	X, y := dataset(120, 2)
	for _, name := range Algorithms() {
		a, _ := New(name, nil)
		b, _ := New(name, nil)
		require.NoError(t, a.Fit(X, y))
		require.NoError(t, b.Fit(X, y))
		assert.Equal(t, PredictAll(a, X[:10]), PredictAll(b, X[:10]), name)
	}
}

func TestArtifact_RoundTrip(t *testing.T) {
	X, y := dataset(100, 3)
	for _, name := range Algorithms() {
		r, _ := New(name, nil)
		require.NoError(t, r.Fit(X, y))

		art, err := Marshal(r)
		require.NoError(t, err)
		back, err := Unmarshal(art)
		require.NoError(t, err)
		assert.Equal(t, name, back.Name())
		for _, x := range X[:5] {
			assert.InDelta(t, r.Predict(x), back.Predict(x), 1e-9, name)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New("quantum", nil)
	assert.ErrorContains(t, err, `unknown algorithm "quantum"`)

	_, err = New(Ridge, map[string]float64{"depth": 3})
	assert.ErrorContains(t, err, `unknown parameter "depth"`)

	r, err := New(Boosting, map[string]float64{"n_estimators": 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Params()["n_estimators"])
}

func TestFit_ShapeErrors(t *testing.T) {
	r, _ := New(Ridge, nil)
	assert.Error(t, r.Fit(nil, nil))
	assert.Error(t, r.Fit([][]float64{{1}, {2}}, []float64{1}))
	assert.Error(t, r.Fit([][]float64{{1, 2}, {2}}, []float64{1, 2}))
}

func TestLasso_SparsifiesIrrelevantFeature(t *testing.T) {
	X, y := dataset(300, 4)
	r, err := New(Lasso, map[string]float64{"alpha": 0.3})
	require.NoError(t, err)
	require.NoError(t, r.Fit(X, y))
	l := r.(*Linear)
	assert.Zero(t, l.Coef[2])
	assert.Greater(t, l.Coef[0], 0.5)
}

func TestForwardChaining(t *testing.T) {
	splits, err := ForwardChaining(12, 5)
	require.NoError(t, err)
	require.Len(t, splits, 5)
	assert.Equal(t, []int{0, 1}, splits[0].Train)
	assert.Equal(t, []int{2, 3}, splits[0].Test)
	assert.Equal(t, []int{10, 11}, splits[4].Test)
	for _, sp := range splits {
		assert.Less(t, sp.Train[len(sp.Train)-1], sp.Test[0])
	}

	_, err = ForwardChaining(3, 5)
	assert.Error(t, err)
	_, err = ForwardChaining(30, 1)
	assert.Error(t, err)
}

func TestCrossValidate_OOF(t *testing.T) {
	X, y := dataset(120, 5)
	splits, _ := ForwardChaining(len(y), 5)
	res, err := CrossValidate(func() (Regressor, error) { return New(Ridge, nil) }, X, y, splits)
	require.NoError(t, err)
	assert.Len(t, res.R2, 5)
	assert.True(t, math.IsNaN(res.OOF[0]), "first block is never tested")
	assert.False(t, math.IsNaN(res.OOF[len(y)-1]))
	assert.Greater(t, res.R2Mean(), 0.7)
	assert.GreaterOrEqual(t, res.R2Std(), 0.0)
}

func TestMetrics(t *testing.T) {
	y := []float64{1, 2, 3, 0}
	assert.Equal(t, 1.0, R2(y, y))
	assert.Zero(t, RMSE(y, y))

	pred := []float64{2, 2, 3, 1}
	assert.InDelta(t, 0.5, MAE(y, pred), 1e-12)
	assert.InDelta(t, 1.0, MaxError(y, pred), 1e-12)
	assert.InDelta(t, 100.0/3, MAPE(y, pred), 1e-9, "zero targets are skipped")
	assert.Equal(t, 0.0, R2([]float64{2, 2}, []float64{1, 3}))

	m := Evaluate(y, pred)
	assert.Equal(t, 4, m.Samples)
	assert.InDelta(t, math.Sqrt(0.5), m.RMSE, 1e-12)
}
