// Package training fits, scores and registers forecast models. Every model
// is cross-validated with a forward-chaining split; models whose mean CV R²
// clears the floor are written as versioned artifacts and activated.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/features"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
	"github.com/metgo/quillota/internal/ml"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

// metaAlpha is the ridge penalty of the stacking meta-learner.
const metaAlpha = 1.0

type Options struct {
	R2Floor    float64
	MinSamples int
	CVFolds    int
	SelectK    int
	// Workers bounds concurrent model fits across all Train calls. Zero means one per CPU.
	Workers int
	Seed    int64
}

func OptionsFromConfig(c config.TrainingConfig) Options {
	return Options{
		R2Floor:    c.R2Floor,
		MinSamples: c.MinSamples,
		CVFolds:    c.CVFolds,
		SelectK:    c.SelectK,
		Workers:    c.Workers,
		Seed:       c.Seed,
	}
}

type Request struct {
	Family string
	Target models.Variable
	Kind   models.ModelKind
	// Algorithms overrides the default base models of the kind.
	Algorithms []string
	// Params overrides hyperparameters per algorithm.
	Params   map[string]map[string]float64
	Stations []string
	From, To time.Time
}

// DefaultAlgorithms returns the base models used when a request names none.
func DefaultAlgorithms(kind models.ModelKind) []string {
	switch kind {
	case models.KindSingle:
		return []string{ml.Boosting}
	case models.KindAdaptive:
		return []string{ml.Bagging, ml.Boosting, ml.ExtraTrees, ml.Ridge}
	}
	return []string{ml.Bagging, ml.Boosting, ml.ExtraTrees}
}

type Trainer struct {
	store     *store.Store
	artifacts *ArtifactStore
	opts      Options
	loc       *time.Location
	log       *slog.Logger
	pool      *semaphore.Weighted
	now       func() time.Time

	// publish serialises version allocation and registration.
	publish sync.Mutex
}

func NewTrainer(s *store.Store, artifacts *ArtifactStore, opts Options, logger *slog.Logger) *Trainer {
	if opts.CVFolds < 2 {
		opts.CVFolds = 5
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 50
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		store:     s,
		artifacts: artifacts,
		opts:      opts,
		loc:       s.Location(),
		log:       logger.With("component", "training"),
		pool:      semaphore.NewWeighted(int64(workers)),
		now:       time.Now,
	}
}

// fitted is one base algorithm after cross-validation and a full fit.
type fitted struct {
	name    string
	params  map[string]float64
	model   ml.Regressor
	cv      ml.CVResult
	metrics models.ModelMetrics
}

// Train fits the requested model. A model below the R² floor is returned
// with a ModelBelowThreshold error and is not registered.
func (t *Trainer) Train(ctx context.Context, req Request) (*models.ModelRecord, error) {
	start := time.Now()
	log := logging.FromContext(ctx, t.log).With("family", req.Family, "kind", string(req.Kind), "target", string(req.Target))

	rec, err := t.train(ctx, req, start)
	metrics.TrainingRuns.WithLabelValues(req.Family, metrics.Outcome(err)).Inc()
	metrics.TrainingSeconds.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Failure(ctx, log, "training failed", err)
		return rec, err
	}
	log.Info("model registered",
		"name", rec.Name,
		"cv_r2", rec.Metrics.CVR2Mean,
		"cv_rmse", rec.Metrics.CVRMSEMean,
		"features", len(rec.Features),
		"seconds", rec.TrainingSeconds)
	return rec, nil
}

func (t *Trainer) train(ctx context.Context, req Request, start time.Time) (*models.ModelRecord, error) {
	const op = "training.Train"
	if req.Family == "" {
		return nil, failure.Newf(failure.ConfigInvalid, op, "model family is required")
	}
	if _, ok := models.ParseModelKind(string(req.Kind)); !ok {
		return nil, failure.Newf(failure.ConfigInvalid, op, "unknown model kind %q", req.Kind)
	}
	algs := req.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms(req.Kind)
	}
	if req.Kind == models.KindSingle && len(algs) != 1 {
		return nil, failure.Newf(failure.ConfigInvalid, op, "single kind takes one algorithm, got %v", algs)
	}
	if (req.Kind == models.KindVoting || req.Kind == models.KindStacking) && len(algs) < 2 {
		return nil, failure.Newf(failure.ConfigInvalid, op, "%s needs at least two algorithms", req.Kind)
	}

	recipe, m, err := t.matrix(ctx, req)
	if err != nil {
		return nil, err
	}
	if m.Len() < t.opts.MinSamples {
		return nil, failure.Newf(failure.InsufficientData, op, "%d samples, need %d", m.Len(), t.opts.MinSamples)
	}
	splits, err := ml.ForwardChaining(m.Len(), t.opts.CVFolds)
	if err != nil {
		return nil, failure.New(failure.InsufficientData, op, err)
	}

	fits, err := t.fitAll(ctx, algs, req.Params, m, splits)
	if err != nil {
		return nil, err
	}

	rec := &models.ModelRecord{
		Family:      req.Family,
		Target:      req.Target,
		Kind:        req.Kind,
		Features:    recipe.Columns,
		Params:      map[string]map[string]float64{},
		BaseMetrics: map[string]models.ModelMetrics{},
	}
	for _, f := range fits {
		rec.Params[f.name] = f.params
		rec.BaseMetrics[f.name] = f.metrics
	}
	bundle := &Bundle{Kind: req.Kind, Recipe: recipe}

	switch req.Kind {
	case models.KindSingle:
		rec.Metrics = fits[0].metrics
		fits = fits[:1]
	case models.KindAdaptive:
		best := fits[0]
		for _, f := range fits[1:] {
			if f.metrics.CVR2Mean > best.metrics.CVR2Mean {
				best = f
			}
		}
		rec.Metrics = best.metrics
		fits = []*fitted{best}
	case models.KindVoting:
		rec.Weights, rec.Metrics = vote(fits, m, splits)
		bundle.Weights = rec.Weights
	case models.KindStacking:
		meta, met, err := stack(fits, m, splits)
		if err != nil {
			return nil, err
		}
		rec.Metrics = met
		art, err := ml.Marshal(meta)
		if err != nil {
			return nil, err
		}
		bundle.Meta = &art
		rec.Params["meta_"+ml.Ridge] = meta.Params()
	}

	for _, f := range fits {
		rec.BaseModels = append(rec.BaseModels, f.name)
		art, err := ml.Marshal(f.model)
		if err != nil {
			return nil, err
		}
		bundle.Base = append(bundle.Base, art)
	}
	rec.TrainingSeconds = time.Since(start).Seconds()

	if rec.Metrics.CVR2Mean < t.opts.R2Floor {
		return rec, failure.Newf(failure.ModelBelowThreshold, op,
			"cv r2 %.4f below floor %.2f", rec.Metrics.CVR2Mean, t.opts.R2Floor)
	}
	if err := t.register(ctx, rec, bundle); err != nil {
		return rec, err
	}
	return rec, nil
}

func (t *Trainer) matrix(ctx context.Context, req Request) (*features.Recipe, *features.Matrix, error) {
	stations := req.Stations
	if len(stations) == 0 {
		all, err := t.store.GetStations(ctx, true)
		if err != nil {
			return nil, nil, err
		}
		for _, st := range all {
			stations = append(stations, st.StationID)
		}
	}
	to := req.To
	if to.IsZero() {
		to = t.now()
	}

	series := map[string][]models.Observation{}
	for _, id := range stations {
		obs, err := t.store.GetRange(ctx, id, req.From, to)
		if err != nil {
			return nil, nil, err
		}
		if len(obs) > 0 {
			series[id] = obs
		}
	}
	if len(series) == 0 {
		return nil, nil, failure.Newf(failure.InsufficientData, "training.Train", "no observations for %v", stations)
	}
	b := features.Builder{K: t.opts.SelectK, Loc: t.loc}
	return b.Fit(series, req.Target)
}

// fitAll cross-validates and fits every algorithm on the shared worker pool.
func (t *Trainer) fitAll(ctx context.Context, algs []string, params map[string]map[string]float64, m *features.Matrix, splits []ml.Split) ([]*fitted, error) {
	fits := make([]*fitted, len(algs))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range algs {
		overrides := maps.Clone(params[name])
		if overrides == nil {
			overrides = map[string]float64{}
		}
		if d, ok := ml.Defaults(name); ok {
			if _, seeded := d["seed"]; seeded {
				if _, set := overrides["seed"]; !set {
					overrides["seed"] = float64(t.opts.Seed)
				}
			}
		}
		g.Go(func() error {
			if err := t.pool.Acquire(gctx, 1); err != nil {
				return failure.FromContext(gctx, "training.fit")
			}
			defer t.pool.Release(1)

			f, err := fitOne(name, overrides, m, splits)
			if err != nil {
				return err
			}
			if err := failure.FromContext(gctx, "training.fit"); err != nil {
				return err
			}
			fits[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fits, nil
}

func fitOne(name string, overrides map[string]float64, m *features.Matrix, splits []ml.Split) (*fitted, error) {
	factory := func() (ml.Regressor, error) { return ml.New(name, overrides) }
	r, err := factory()
	if err != nil {
		return nil, failure.New(failure.ConfigInvalid, "training.fit", err)
	}

	cv, err := ml.CrossValidate(factory, m.X, m.Y, splits)
	if err != nil {
		return nil, fmt.Errorf("%s cross-validation: %w", name, err)
	}
	if err := r.Fit(m.X, m.Y); err != nil {
		return nil, fmt.Errorf("%s fit: %w", name, err)
	}

	met := ml.Evaluate(m.Y, ml.PredictAll(r, m.X))
	withCV(&met, cv.R2, cv.RMSE)
	return &fitted{name: name, params: r.Params(), model: r, cv: cv, metrics: met}, nil
}

func withCV(m *models.ModelMetrics, r2, rmse []float64) {
	res := ml.CVResult{R2: r2, RMSE: rmse}
	m.CVR2Mean = res.R2Mean()
	m.CVR2Std = res.R2Std()
	m.CVRMSEMean = res.RMSEMean()
	m.CVRMSEStd = res.RMSEStd()
}

func testFolds(splits []ml.Split) [][]int {
	out := make([][]int, len(splits))
	for i, sp := range splits {
		out[i] = sp.Test
	}
	return out
}

// vote optimises weights on the out-of-fold predictions and scores the
// weighted combination on the same folds.
func vote(fits []*fitted, m *features.Matrix, splits []ml.Split) ([]float64, models.ModelMetrics) {
	oof := make([][]float64, len(fits))
	for i, f := range fits {
		oof[i] = f.cv.OOF
	}
	obj := foldObjective{preds: oof, y: m.Y, folds: testFolds(splits)}
	w := OptimizeWeights(oof, m.Y, obj.folds)

	full := make([][]float64, len(fits))
	for i, f := range fits {
		full[i] = ml.PredictAll(f.model, m.X)
	}
	pred := make([]float64, m.Len())
	for r := range pred {
		for i := range fits {
			pred[r] += w[i] * full[i][r]
		}
	}
	met := ml.Evaluate(m.Y, pred)
	r2, rmse := obj.foldScores(w)
	withCV(&met, r2, rmse)
	return w, met
}

// stack fits a ridge meta-learner on out-of-fold base predictions. Its CV
// score chains forward over the folds: fold k is predicted by a meta-learner
// trained on the out-of-fold rows of folds before k.
func stack(fits []*fitted, m *features.Matrix, splits []ml.Split) (ml.Regressor, models.ModelMetrics, error) {
	row := func(i int) []float64 {
		out := make([]float64, len(fits))
		for j, f := range fits {
			out[j] = f.cv.OOF[i]
		}
		return out
	}
	newMeta := func() (ml.Regressor, error) {
		return ml.New(ml.Ridge, map[string]float64{"alpha": metaAlpha})
	}

	var r2s, rmses []float64
	var seen []int
	for k, sp := range splits {
		if k > 0 {
			meta, err := newMeta()
			if err != nil {
				return nil, models.ModelMetrics{}, err
			}
			if err := meta.Fit(metaRows(seen, row), metaTargets(seen, m.Y)); err != nil {
				return nil, models.ModelMetrics{}, err
			}
			yt := metaTargets(sp.Test, m.Y)
			pt := make([]float64, len(sp.Test))
			for j, i := range sp.Test {
				pt[j] = meta.Predict(row(i))
			}
			r2s = append(r2s, ml.R2(yt, pt))
			rmses = append(rmses, ml.RMSE(yt, pt))
		}
		seen = append(seen, sp.Test...)
	}

	meta, err := newMeta()
	if err != nil {
		return nil, models.ModelMetrics{}, err
	}
	if err := meta.Fit(metaRows(seen, row), metaTargets(seen, m.Y)); err != nil {
		return nil, models.ModelMetrics{}, err
	}

	pred := make([]float64, m.Len())
	base := make([]float64, len(fits))
	for i, x := range m.X {
		for j, f := range fits {
			base[j] = f.model.Predict(x)
		}
		pred[i] = meta.Predict(base)
	}
	met := ml.Evaluate(m.Y, pred)
	withCV(&met, r2s, rmses)
	return meta, met, nil
}

func metaRows(idx []int, row func(int) []float64) [][]float64 {
	out := make([][]float64, len(idx))
	for j, i := range idx {
		out[j] = row(i)
	}
	return out
}

func metaTargets(idx []int, y []float64) []float64 {
	out := make([]float64, len(idx))
	for j, i := range idx {
		out[j] = y[i]
	}
	return out
}

// register writes the artifact and the record under the next free version
// and flips the family's active pointer.
func (t *Trainer) register(ctx context.Context, rec *models.ModelRecord, bundle *Bundle) error {
	t.publish.Lock()
	defer t.publish.Unlock()

	v, err := t.store.NextModelVersion(ctx, rec.Family)
	if err != nil {
		return err
	}
	rec.Version = v
	rec.Name = fmt.Sprintf("%s.v%d", rec.Family, v)
	rec.CreatedAt = t.now().UTC()
	bundle.Name = rec.Name

	path, err := t.artifacts.Save(bundle)
	if err != nil {
		return err
	}
	rec.ArtifactPath = path
	if err := t.store.SaveModelRecord(ctx, *rec, true); err != nil {
		os.Remove(path)
		return err
	}
	rec.Active = true
	return nil
}

// Catalogue lists the trainable algorithms with their default hyperparameters.
func Catalogue() map[string]ml.Params {
	out := map[string]ml.Params{}
	for _, name := range ml.Algorithms() {
		out[name], _ = ml.Defaults(name)
	}
	return out
}
