package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/metgo/quillota/internal/features"
	"github.com/metgo/quillota/internal/ml"
	"github.com/metgo/quillota/internal/models"
)

// Model is a loaded, ready-to-predict model.
type Model struct {
	Record  models.ModelRecord
	Recipe  *features.Recipe
	base    []ml.Regressor
	weights []float64
	meta    ml.Regressor
}

func newModel(rec models.ModelRecord, b *Bundle) (*Model, error) {
	m := &Model{Record: rec, Recipe: b.Recipe, weights: b.Weights}
	for _, a := range b.Base {
		r, err := ml.Unmarshal(a)
		if err != nil {
			return nil, err
		}
		m.base = append(m.base, r)
	}
	if len(m.base) == 0 {
		return nil, fmt.Errorf("model %s has no base regressors", rec.Name)
	}
	if b.Meta != nil {
		r, err := ml.Unmarshal(*b.Meta)
		if err != nil {
			return nil, err
		}
		m.meta = r
	}
	return m, nil
}

func (m *Model) Name() string { return m.Record.Name }

func (m *Model) Kind() models.ModelKind { return m.Record.Kind }

// BasePredictions returns each base regressor's prediction for x.
func (m *Model) BasePredictions(x []float64) []float64 {
	out := make([]float64, len(m.base))
	for i, r := range m.base {
		out[i] = r.Predict(x)
	}
	return out
}

func (m *Model) Predict(x []float64) float64 {
	preds := m.BasePredictions(x)
	switch {
	case m.meta != nil:
		return m.meta.Predict(preds)
	case len(m.weights) == len(preds):
		var v float64
		for i, p := range preds {
			v += m.weights[i] * p
		}
		return v
	}
	return preds[0]
}

// Epistemic is the spread of the base predictions. It reports false for
// models with a single base regressor.
func (m *Model) Epistemic(x []float64) (float64, bool) {
	if len(m.base) < 2 {
		return 0, false
	}
	_, sd := stat.PopMeanStdDev(m.BasePredictions(x), nil)
	return sd, true
}
