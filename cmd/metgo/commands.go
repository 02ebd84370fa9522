package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/forecast"
	"github.com/metgo/quillota/internal/ingest"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/training"
)

type IngestCmd struct {
	Station []string `help:"Stations to ingest; all active stations when omitted." short:"s"`
	From    string   `help:"First local day (YYYY-MM-DD); defaults to the configured backfill window."`
	To      string   `help:"Last local day (YYYY-MM-DD); defaults to today."`
}

func (c *IngestCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithCorrelationID(ctx)

	now := time.Now().In(a.cfg.Location())
	to, err := a.parseDay(c.To, now)
	if err != nil {
		return err
	}
	from, err := a.parseDay(c.From, to.AddDate(0, 0, -a.cfg.Ingestion.BackfillDays))
	if err != nil {
		return err
	}
	stations, err := a.stationIDs(ctx, c.Station)
	if err != nil {
		return err
	}

	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	engine := a.alertEngine()
	coord.OnIngested = func(ctx context.Context, res *ingest.Result) {
		if _, err := engine.Evaluate(ctx, res.StationID); err != nil {
			logging.Failure(ctx, a.log, "alert evaluation failed", err)
		}
	}

	var errs []error
	for _, id := range stations {
		res, err := coord.Ingest(ctx, id, from, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Printf("%s: fetched %d, inserted %d, replaced %d, rejected %d, providers %s\n",
			id, res.Fetched, res.Stored.Inserted, res.Stored.Replaced, res.Rejected, strings.Join(res.Providers, ","))
	}
	return errors.Join(errs...)
}

// stationIDs returns the requested stations or every active one.
func (a *app) stationIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := a.store.GetStation(ctx, id); err != nil {
				return nil, err
			}
		}
		return ids, nil
	}
	stations, err := a.store.GetStations(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(stations))
	for _, st := range stations {
		out = append(out, st.StationID)
	}
	return out, nil
}

type TrainCmd struct {
	ModelName  string   `help:"Model family; versions are registered as <name>.vN." name:"model-name" aliases:"family" required:""`
	Target     string   `help:"Target variable, e.g. temperature_min." required:""`
	Kind       string   `help:"single, voting, stacking or adaptive." default:"voting" enum:"single,voting,stacking,adaptive"`
	Algorithm  []string `help:"Base algorithms; defaults depend on the kind." short:"a"`
	Station    []string `help:"Training stations; all active stations when omitted." short:"s"`
	From       string   `help:"First training day (YYYY-MM-DD)."`
	To         string   `help:"Last training day (YYYY-MM-DD)."`
	Algorithms bool     `help:"List the available algorithms and their default parameters, then exit." name:"list-algorithms"`
}

func (c *TrainCmd) Run(ctx context.Context, g *Globals) error {
	if c.Algorithms {
		return listAlgorithms()
	}
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithCorrelationID(ctx)

	target, ok := models.ParseVariable(c.Target)
	if !ok {
		return failure.Newf(failure.ValidationRejected, "metgo train", "unknown target %q", c.Target)
	}
	kind, _ := models.ParseModelKind(c.Kind)
	from, err := a.parseDay(c.From, time.Time{})
	if err != nil {
		return err
	}
	to, err := a.parseDay(c.To, time.Time{})
	if err != nil {
		return err
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1).Add(-time.Second)
	}

	tr, err := a.trainer()
	if err != nil {
		return err
	}
	rec, err := tr.Train(ctx, training.Request{
		Family: c.ModelName, Target: target, Kind: kind, Algorithms: c.Algorithm,
		Stations: c.Station, From: from, To: to,
	})
	if rec != nil {
		printModel(rec)
	}
	return err
}

func listAlgorithms() error {
	cat := training.Catalogue()
	names := make([]string, 0, len(cat))
	for n := range cat {
		names = append(names, n)
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tPARAMETERS")
	for _, n := range names {
		params := cat[n]
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%g", k, params[k]))
		}
		fmt.Fprintf(w, "%s\t%s\n", n, strings.Join(parts, " "))
	}
	return w.Flush()
}

func printModel(rec *models.ModelRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", rec.Name)
	fmt.Fprintf(w, "kind\t%s\n", rec.Kind)
	fmt.Fprintf(w, "active\t%t\n", rec.Active)
	fmt.Fprintf(w, "base models\t%s\n", strings.Join(rec.BaseModels, ", "))
	if len(rec.Weights) > 0 {
		fmt.Fprintf(w, "weights\t%.3f\n", rec.Weights)
	}
	fmt.Fprintf(w, "features\t%d\n", len(rec.Features))
	fmt.Fprintf(w, "samples\t%d\n", rec.Metrics.Samples)
	fmt.Fprintf(w, "r2\t%.3f\n", rec.Metrics.R2)
	fmt.Fprintf(w, "rmse\t%.3f\n", rec.Metrics.RMSE)
	fmt.Fprintf(w, "cv r2\t%.3f ± %.3f\n", rec.Metrics.CVR2Mean, rec.Metrics.CVR2Std)
	fmt.Fprintf(w, "training time\t%.1fs\n", rec.TrainingSeconds)
	w.Flush()
}

type ForecastCmd struct {
	ModelName string   `help:"Model name or family (its active version)." name:"model-name" aliases:"model" required:""`
	Station   []string `help:"Stations to forecast; all active stations when omitted." short:"s"`
	Horizon   int      `help:"Days ahead; the configured horizon when zero."`
	Strategy  string   `help:"persistence, climatology or recursive; the configured strategy when empty."`
}

func (c *ForecastCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithCorrelationID(ctx)

	var strategy forecast.Strategy
	if c.Strategy != "" {
		var ok bool
		if strategy, ok = forecast.ParseStrategy(c.Strategy); !ok {
			return failure.Newf(failure.ValidationRejected, "metgo forecast", "unknown strategy %q", c.Strategy)
		}
	}
	f, err := a.forecaster()
	if err != nil {
		return err
	}
	horizon := c.Horizon
	if horizon <= 0 {
		horizon = a.cfg.Forecast.Horizon
	}
	stations, err := a.stationIDs(ctx, c.Station)
	if err != nil {
		return err
	}
	var out []models.Forecast
	for _, id := range stations {
		fs, err := f.Forecast(ctx, forecast.Request{
			ModelName: c.ModelName, StationID: id, Horizon: horizon, Strategy: strategy,
		})
		if err != nil {
			return err
		}
		out = append(out, fs...)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATION\tDAY\tH\tVALUE\tLOWER\tUPPER\tCONFIDENCE")
	for _, fc := range out {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.0f%%\n", fc.StationID,
			fc.TargetTime.In(a.cfg.Location()).Format(time.DateOnly), fc.Horizon, fc.Value, fc.Lower, fc.Upper, fc.Confidence*100)
	}
	return w.Flush()
}

type AlertsCmd struct {
	Station string `help:"Evaluate one station; all active stations when empty." short:"s"`
}

func (c *AlertsCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithCorrelationID(ctx)

	engine := a.alertEngine()
	var events []models.AlertEvent
	if c.Station != "" {
		events, err = engine.Evaluate(ctx, c.Station)
	} else {
		events, err = engine.EvaluateAll(ctx)
	}
	for _, ev := range events {
		sent := 0
		for _, d := range ev.Dispatches {
			if d.Status == models.DispatchSent {
				sent++
			}
		}
		fmt.Printf("%-8s %-16s %s (%d sent)\n", ev.Severity, ev.Kind, ev.Message, sent)
	}
	if len(events) == 0 && err == nil {
		fmt.Println("no new alerts")
	}
	return err
}

type VerifyCmd struct {
	Model string `help:"Model name; all models when empty."`
	From  string `help:"First target day (YYYY-MM-DD); 30 days ago when empty."`
	To    string `help:"Last target day (YYYY-MM-DD); today when empty."`
}

func (c *VerifyCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().In(a.cfg.Location())
	to, err := a.parseDay(c.To, now)
	if err != nil {
		return err
	}
	if c.To != "" {
		to = to.AddDate(0, 0, 1).Add(-time.Second)
	}
	from, err := a.parseDay(c.From, to.AddDate(0, 0, -a.cfg.Forecast.VerifyWindowDays))
	if err != nil {
		return err
	}

	acc, err := forecast.NewVerifier(a.store).Verify(ctx, c.Model, from, to)
	if err != nil {
		return err
	}
	if len(acc) == 0 {
		return failure.Newf(failure.InsufficientData, "metgo verify", "no verifiable forecasts between %s and %s",
			from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tTARGET\tH\tN\tBIAS\tMAE\tRMSE\tCOVERAGE")
	for _, r := range acc {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%+.2f\t%.2f\t%.2f\t%.0f%%\n",
			r.ModelName, r.Target, r.Horizon, r.Samples, r.Bias, r.MAE, r.RMSE, r.Coverage*100)
	}
	return w.Flush()
}

type ExportCmd struct {
	Station string `help:"Station to export." required:"" short:"s"`
	From    string `help:"First local day (YYYY-MM-DD)." required:""`
	To      string `help:"Last local day (YYYY-MM-DD)." required:""`
	Out     string `help:"Output Parquet file." required:"" short:"o" type:"path"`
}

func (c *ExportCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	from, err := a.parseDay(c.From, time.Time{})
	if err != nil {
		return err
	}
	to, err := a.parseDay(c.To, time.Time{})
	if err != nil {
		return err
	}
	if _, err := a.store.GetStation(ctx, c.Station); err != nil {
		return err
	}

	if dir := filepath.Dir(c.Out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.Out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := a.store.ExportParquet(ctx, f, c.Station, from, to.AddDate(0, 0, 1).Add(-time.Second))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.Out); err != nil {
		return err
	}
	fmt.Printf("wrote %d rows to %s\n", n, c.Out)
	return nil
}

type ReportCmd struct {
	Day string `help:"Local day to report (YYYY-MM-DD); yesterday when empty."`
}

func (c *ReportCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithCorrelationID(ctx)

	day, err := a.parseDay(c.Day, time.Now().In(a.cfg.Location()).AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	svc, err := a.reporter()
	if err != nil {
		return err
	}
	locs, err := svc.Run(ctx, day)
	for _, l := range locs {
		fmt.Println(l)
	}
	return err
}
