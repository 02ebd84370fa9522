package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/forecast"
	"github.com/metgo/quillota/internal/indices"
	"github.com/metgo/quillota/internal/ingest"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
	"github.com/metgo/quillota/internal/training"
)

const (
	JobIngestion = "ingestion"
	JobIndices   = "indices"
	JobAlerts    = "alerts"
	JobRetrain   = "retrain"
	JobForecast  = "forecast"
	JobReport    = "report"
	JobSeasonal  = "seasonal-patterns"
)

type Ingester interface {
	Ingest(ctx context.Context, stationID string, from, to time.Time) (*ingest.Result, error)
}

type IndexRecomputer interface {
	RecomputeAll(ctx context.Context, from, to time.Time) (indices.Result, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, stationID string) ([]models.AlertEvent, error)
	EvaluateAll(ctx context.Context) ([]models.AlertEvent, error)
}

type ModelTrainer interface {
	Train(ctx context.Context, req training.Request) (*models.ModelRecord, error)
}

type Forecaster interface {
	Forecast(ctx context.Context, req forecast.Request) ([]models.Forecast, error)
}

type Reporter interface {
	Run(ctx context.Context, day time.Time) ([]string, error)
}

// Pipeline holds the components the recurring jobs drive. Nil components
// leave their jobs unregistered.
type Pipeline struct {
	Store      *store.Store
	Ingest     Ingester
	Indices    IndexRecomputer
	Alerts     AlertEvaluator
	Trainer    ModelTrainer
	Forecaster Forecaster
	Reporter   Reporter

	// BackfillDays is the ingestion window ending now.
	BackfillDays int
	// Concurrency bounds stations ingested at once.
	Concurrency int
	Models      []config.ScheduledModel
	// Horizon is the number of days forecast per run.
	Horizon int

	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Register adds every job whose component is present and whose cadence is set.
func (p *Pipeline) Register(s *Scheduler, cfg config.ScheduleConfig) error {
	type entry struct {
		ok  bool
		job Job
	}
	entries := []entry{
		{p.Ingest != nil, Job{Name: JobIngestion, Category: "ingest", Spec: cfg.Ingestion, Run: p.RunIngestion}},
		{p.Indices != nil && !cfg.IndicesWithIngestion, Job{Name: JobIndices, Category: "ingest", Spec: cfg.Indices, Run: p.RunIndices}},
		{p.Alerts != nil, Job{Name: JobAlerts, Spec: cfg.Alerts, Run: p.RunAlerts}},
		{p.Trainer != nil, Job{Name: JobRetrain, Category: "training", Spec: cfg.Retrain, Run: p.RunRetrain}},
		{p.Forecaster != nil && p.Store != nil, Job{Name: JobForecast, Category: "training", Spec: cfg.Forecast, Run: p.RunForecast}},
		{p.Reporter != nil, Job{Name: JobReport, Spec: cfg.Report, Run: p.RunReport}},
		{p.Store != nil, Job{Name: JobSeasonal, Category: "training", Spec: cfg.SeasonalPatterns, Run: p.RunSeasonal}},
	}
	for _, e := range entries {
		if !e.ok {
			continue
		}
		if err := s.Add(e.job); err != nil {
			return err
		}
	}
	return nil
}

// RunIngestion ingests the backfill window for every active station and then
// evaluates alerts for the stations that received data.
func (p *Pipeline) RunIngestion(ctx context.Context) error {
	stations, err := p.Store.GetStations(ctx, true)
	if err != nil {
		return fmt.Errorf("list stations: %w", err)
	}
	to := p.now()
	from := to.AddDate(0, 0, -max(p.BackfillDays, 1))

	var (
		mu       sync.Mutex
		errs     []error
		ingested []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Concurrency, 1))
	for _, st := range stations {
		g.Go(func() error {
			res, err := p.Ingest.Ingest(gctx, st.StationID, from, to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", st.StationID, err))
				return nil
			}
			if res.Stored.Written() > 0 {
				ingested = append(ingested, st.StationID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.Alerts != nil {
		for _, id := range ingested {
			if _, err := p.Alerts.Evaluate(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("alerts %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunIndices recomputes the backfill window of derived indices.
func (p *Pipeline) RunIndices(ctx context.Context) error {
	to := p.now()
	_, err := p.Indices.RecomputeAll(ctx, to.AddDate(0, 0, -max(p.BackfillDays, 1)), to)
	return err
}

func (p *Pipeline) RunAlerts(ctx context.Context) error {
	_, err := p.Alerts.EvaluateAll(ctx)
	return err
}

// RunRetrain trains every scheduled model family. A model below the quality
// floor does not stop the others.
func (p *Pipeline) RunRetrain(ctx context.Context) error {
	var errs []error
	for _, m := range p.Models {
		_, err := p.Trainer.Train(ctx, training.Request{
			Family:     m.Family,
			Target:     models.Variable(m.Target),
			Kind:       models.ModelKind(m.Kind),
			Algorithms: m.Algorithms,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Family, err))
		}
	}
	return errors.Join(errs...)
}

// RunForecast runs every scheduled family's active model for every active
// station. Families that have never been trained are skipped.
func (p *Pipeline) RunForecast(ctx context.Context) error {
	stations, err := p.Store.GetStations(ctx, true)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range p.Models {
		for _, st := range stations {
			_, err := p.Forecaster.Forecast(ctx, forecast.Request{ModelName: m.Family, StationID: st.StationID, Horizon: p.Horizon})
			switch failure.KindOf(err) {
			case "", failure.NotFound:
			case failure.Cancelled:
				return err
			default:
				errs = append(errs, fmt.Errorf("%s %s: %w", m.Family, st.StationID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunReport publishes the bulletin for the previous local day.
func (p *Pipeline) RunReport(ctx context.Context) error {
	_, err := p.Reporter.Run(ctx, p.now().AddDate(0, 0, -1))
	return err
}

func (p *Pipeline) RunSeasonal(ctx context.Context) error {
	stations, err := p.Store.GetStations(ctx, true)
	if err != nil {
		return err
	}
	var errs []error
	for _, st := range stations {
		if _, err := p.Store.ComputeSeasonalPatterns(ctx, st.StationID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.StationID, err))
		}
	}
	return errors.Join(errs...)
}
