// Package forecast produces multi-day point forecasts with uncertainty
// intervals from a trained model, and verifies persisted forecasts against
// later observations.
package forecast

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
	"github.com/metgo/quillota/internal/training"
)

// Strategy fills the observation-dependent inputs of future days.
type Strategy string

const (
	// Persistence repeats the last observed day.
	Persistence Strategy = "persistence"
	// Climatology uses the station's monthly means, falling back to persistence per variable.
	Climatology Strategy = "climatology"
	// Recursive repeats the last observed day and feeds each prediction back as the next day's target.
	Recursive Strategy = "recursive"
)

func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case Persistence, Climatology, Recursive:
		return Strategy(s), true
	}
	return "", false
}

// historyDays covers the longest rolling window plus the longest lag.
const historyDays = 45

// ModelLoader resolves a model name or family to a loaded model.
type ModelLoader interface {
	Load(ctx context.Context, name string) (*training.Model, error)
}

type Options struct {
	Strategy         Strategy
	DefaultEpistemic float64
	Persist          bool
	BiasCorrection   bool
	VerifyWindowDays int
}

func OptionsFromConfig(c config.ForecastConfig) Options {
	s, ok := ParseStrategy(c.Strategy)
	if !ok {
		s = Persistence
	}
	return Options{
		Strategy:         s,
		DefaultEpistemic: c.DefaultEpistemic,
		Persist:          c.Persist,
		BiasCorrection:   c.BiasCorrection,
		VerifyWindowDays: c.VerifyWindowDays,
	}
}

type Request struct {
	ModelName string
	StationID string
	Horizon   int
	// Strategy overrides the configured strategy when set.
	Strategy Strategy
}

type Forecaster struct {
	store    *store.Store
	models   ModelLoader
	verifier *Verifier
	opts     Options
	loc      *time.Location
	log      *slog.Logger
	now      func() time.Time
}

func NewForecaster(s *store.Store, loader ModelLoader, opts Options, logger *slog.Logger) *Forecaster {
	if opts.Strategy == "" {
		opts.Strategy = Persistence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		store:    s,
		models:   loader,
		verifier: NewVerifier(s),
		opts:     opts,
		loc:      s.Location(),
		log:      logger.With("component", "forecast"),
		now:      time.Now,
	}
}

// Forecast predicts the model's target for the Horizon days following the
// station's latest observation. Horizon 0 yields no forecasts.
func (f *Forecaster) Forecast(ctx context.Context, req Request) ([]models.Forecast, error) {
	const op = "forecast.Forecast"
	if req.Horizon <= 0 {
		return nil, nil
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = f.opts.Strategy
	}
	if _, ok := ParseStrategy(string(strategy)); !ok {
		return nil, failure.Newf(failure.ConfigInvalid, op, "unknown strategy %q", strategy)
	}

	model, err := f.models.Load(ctx, req.ModelName)
	if err != nil {
		return nil, err
	}
	history, err := f.store.LatestBefore(ctx, req.StationID, f.now(), historyDays)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, failure.Newf(failure.InsufficientData, op, "no observations for %s", req.StationID)
	}

	var climate map[int]map[models.Variable]store.SeasonalPattern
	if strategy == Climatology {
		if climate, err = f.store.GetSeasonalPatterns(ctx, req.StationID); err != nil {
			return nil, err
		}
	}
	var bias map[int]float64
	if f.opts.BiasCorrection {
		if bias, err = f.verifier.Corrections(ctx, model.Name(), f.opts.VerifyWindowDays, f.now()); err != nil {
			return nil, err
		}
	}

	out, err := f.roll(model, req, strategy, history, climate, bias)
	if err != nil {
		return nil, failure.New(failure.Internal, op, err)
	}

	if f.opts.Persist {
		if err := f.store.SaveForecasts(ctx, out); err != nil {
			return nil, err
		}
	}
	metrics.ForecastsProduced.WithLabelValues(req.StationID, string(strategy)).Add(float64(len(out)))
	logging.FromContext(ctx, f.log).Info("forecast produced",
		"station", req.StationID,
		"model", model.Name(),
		"strategy", strategy,
		"horizon", req.Horizon)
	return out, nil
}

func (f *Forecaster) roll(model *training.Model, req Request, strategy Strategy, history []models.Observation,
	climate map[int]map[models.Variable]store.SeasonalPattern, bias map[int]float64) ([]models.Forecast, error) {
	target := model.Record.Target
	last := history[len(history)-1]
	produced := f.now().UTC().Truncate(time.Second)
	base := last.Timestamp.In(f.loc)

	out := make([]models.Forecast, 0, req.Horizon)
	prevHalf := 0.0
	for h := 1; h <= req.Horizon; h++ {
		day := base.AddDate(0, 0, h).UTC()
		obs := futureObservation(last, day, strategy, climate, f.loc)

		x, err := model.Recipe.Row(req.StationID, history, obs)
		if err != nil {
			return nil, err
		}
		value := model.Predict(x) - capCorrection(bias[h], maxCorrection)

		epistemic := epistemicOf(model, x, f.opts.DefaultEpistemic)
		conf := Confidence(h, req.Horizon)
		aleatoric := 0.05 * conf
		half := math.Max(1.96*(epistemic+aleatoric), prevHalf)
		prevHalf = half

		out = append(out, models.Forecast{
			ProducedAt: produced,
			TargetTime: day,
			StationID:  req.StationID,
			Target:     target,
			Horizon:    h,
			Value:      value,
			Lower:      value - half,
			Upper:      value + half,
			Confidence: conf,
			Epistemic:  epistemic,
			Aleatoric:  aleatoric,
			ModelName:  model.Name(),
			Strategy:   string(strategy),
		})

		if strategy == Recursive {
			obs.Set(target, value)
		}
		history = append(history, obs)
	}
	return out, nil
}

type spreader interface {
	Epistemic(x []float64) (float64, bool)
}

// epistemicOf is the base-model spread for ensembles and def for models with a
// single regressor.
func epistemicOf(m spreader, x []float64, def float64) float64 {
	if sd, ok := m.Epistemic(x); ok {
		return sd
	}
	return def
}

// futureObservation fills a future day's inputs according to strategy.
func futureObservation(last models.Observation, day time.Time, strategy Strategy,
	climate map[int]map[models.Variable]store.SeasonalPattern, loc *time.Location) models.Observation {
	obs := last
	obs.Timestamp = day
	obs.Provenance = "forecast"
	obs.VariableProvenance = nil
	if strategy != Climatology {
		return obs
	}
	month := climate[int(day.In(loc).Month())]
	for v, p := range month {
		if p.Samples > 0 {
			obs.Set(v, p.Mean)
		}
	}
	return obs
}

// Confidence decays linearly with the horizon index and never drops below 0.1.
func Confidence(h, horizon int) float64 {
	if horizon <= 0 {
		return 1
	}
	return math.Max(0.1, 1-0.6*float64(h)/float64(horizon))
}
