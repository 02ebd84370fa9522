package forecast

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

const (
	// maxCorrection caps the bias applied to a single forecast, in target units.
	maxCorrection = 4.0
	// minCorrectionSamples is the number of verified forecasts a horizon needs before it is corrected.
	minCorrectionSamples = 5
)

// Accuracy summarises verified forecasts of one model, target and horizon.
// Bias is forecast minus observed.
type Accuracy struct {
	ModelName string          `json:"model_name"`
	Target    models.Variable `json:"target"`
	Horizon   int             `json:"horizon"`
	Samples   int             `json:"samples"`
	Bias      float64         `json:"bias"`
	MAE       float64         `json:"mae"`
	RMSE      float64         `json:"rmse"`
	Coverage  float64         `json:"coverage"`
}

// Verifier backtests persisted forecasts against the observations that
// arrived for their target times.
type Verifier struct {
	store *store.Store
}

func NewVerifier(s *store.Store) *Verifier {
	return &Verifier{store: s}
}

// Verify scores every persisted forecast whose target time lies in
// [from, to] and has an observation. An empty modelName verifies all models.
func (v *Verifier) Verify(ctx context.Context, modelName string, from, to time.Time) ([]Accuracy, error) {
	fcs, err := v.store.GetForecasts(ctx, store.ForecastFilter{From: from, To: to, ModelName: modelName})
	if err != nil {
		return nil, err
	}

	observed := map[string]map[time.Time]models.Observation{}
	for _, fc := range fcs {
		if _, ok := observed[fc.StationID]; ok {
			continue
		}
		obs, err := v.store.GetRange(ctx, fc.StationID, from, to)
		if err != nil {
			return nil, err
		}
		byTime := make(map[time.Time]models.Observation, len(obs))
		for _, o := range obs {
			byTime[o.Timestamp.UTC()] = o
		}
		observed[fc.StationID] = byTime
	}

	type key struct {
		model   string
		target  models.Variable
		horizon int
	}
	type sums struct {
		n, inside         int
		bias, abs, square float64
	}
	acc := map[key]*sums{}
	for _, fc := range fcs {
		o, ok := observed[fc.StationID][fc.TargetTime.UTC()]
		if !ok {
			continue
		}
		actual := o.Get(fc.Target)
		if !actual.Valid {
			continue
		}
		k := key{fc.ModelName, fc.Target, fc.Horizon}
		s := acc[k]
		if s == nil {
			s = &sums{}
			acc[k] = s
		}
		e := fc.Value - actual.Float64
		s.n++
		s.bias += e
		s.abs += math.Abs(e)
		s.square += e * e
		if actual.Float64 >= fc.Lower && actual.Float64 <= fc.Upper {
			s.inside++
		}
	}

	out := make([]Accuracy, 0, len(acc))
	for k, s := range acc {
		n := float64(s.n)
		out = append(out, Accuracy{
			ModelName: k.model,
			Target:    k.target,
			Horizon:   k.horizon,
			Samples:   s.n,
			Bias:      s.bias / n,
			MAE:       s.abs / n,
			RMSE:      math.Sqrt(s.square / n),
			Coverage:  float64(s.inside) / n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ModelName != b.ModelName {
			return a.ModelName < b.ModelName
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Horizon < b.Horizon
	})
	return out, nil
}

// Corrections returns the mean bias per horizon of a model over the last
// windowDays. Horizons with too few verified forecasts are omitted.
func (v *Verifier) Corrections(ctx context.Context, modelName string, windowDays int, now time.Time) (map[int]float64, error) {
	rows, err := v.Verify(ctx, modelName, now.AddDate(0, 0, -windowDays), now)
	if err != nil {
		return nil, err
	}
	out := map[int]float64{}
	for _, r := range rows {
		if r.Samples >= minCorrectionSamples {
			out[r.Horizon] = r.Bias
		}
	}
	return out, nil
}

func capCorrection(correction, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, correction))
}
