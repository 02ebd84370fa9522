// Package ingest pulls observations from the configured providers, merges and
// validates them, and writes them to the store.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/indices"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/provider"
	"github.com/metgo/quillota/internal/store"
)

const endpointDaily = "daily"

// IndexRecomputer refreshes derived indices after a write.
type IndexRecomputer interface {
	Recompute(ctx context.Context, stationID string, from, to time.Time) (indices.Result, error)
}

// QualityListener is told about batches whose rejection rate crosses the
// data-quality threshold.
type QualityListener interface {
	DataQualityBreached(ctx context.Context, q store.DataQuality) error
}

type Options struct {
	SyntheticFallback bool
	MaxRejectFraction float64
	Concurrency       int
	ArchivePayloads   bool
	// QualityThreshold returns a station's data-quality limit; listeners are
	// notified when a batch's rejection rate reaches it. When nil every batch
	// with a rejection is passed on and the listener decides.
	QualityThreshold func(stationID string) float64
}

// Result describes one successful ingestion.
type Result struct {
	StationID    string
	From, To     time.Time
	Fetched      int
	Stored       store.PutResult
	Rejected     int
	Reasons      map[string]int
	Providers    []string
	UsedFallback bool
	Indices      indices.Result

	byProvider map[string]int
}

type Coordinator struct {
	store     *store.Store
	providers []provider.Provider
	fallback  provider.Provider
	indices   IndexRecomputer
	quality   QualityListener
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	// OnIngested runs after every successful ingestion, e.g. to evaluate alerts.
	OnIngested func(ctx context.Context, res *Result)
}

// NewCoordinator splits providers into the priority-ordered real sources and the
// synthetic fallback. providers must already be in priority order.
func NewCoordinator(s *store.Store, providers []provider.Provider, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRejectFraction <= 0 {
		opts.MaxRejectFraction = 0.2
	}
	c := &Coordinator{
		store: s,
		opts:  opts,
		log:   logger.With("component", "ingest"),
		now:   time.Now,
	}
	for _, p := range providers {
		if p.Name() == provider.Synthetic {
			c.fallback = p
			continue
		}
		c.providers = append(c.providers, p)
	}
	return c
}

func (c *Coordinator) SetIndexRecomputer(r IndexRecomputer) { c.indices = r }

func (c *Coordinator) SetQualityListener(l QualityListener) { c.quality = l }

type fetchOutcome struct {
	provider provider.Provider
	series   *provider.Series
	err      error
	run      *store.IngestRun
}

// Ingest fetches [from, to] for one station from every enabled provider and
// stores the merged, validated result.
func (c *Coordinator) Ingest(ctx context.Context, stationID string, from, to time.Time) (*Result, error) {
	log := logging.FromContext(ctx, c.log)
	st, err := c.store.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	req := provider.Request{Station: *st, From: from, To: to}

	outcomes := c.fetchAll(ctx, req)
	if err := failure.FromContext(ctx, "ingest.Ingest"); err != nil {
		c.completeRuns(outcomes, nil)
		return nil, err
	}

	merged, contributors := merge(outcomes)
	usedFallback := false
	if len(merged) == 0 {
		if !c.opts.SyntheticFallback || c.fallback == nil {
			c.completeRuns(outcomes, nil)
			return nil, failure.Newf(failure.IngestionEmpty, "ingest.Ingest", "no provider returned data for %s", stationID)
		}
		log.Warn("all providers failed, using synthetic fallback", "station", stationID)
		fb := c.fetchOne(ctx, c.fallback, req)
		outcomes = append(outcomes, fb)
		if fb.err != nil {
			c.completeRuns(outcomes, nil)
			return nil, failure.New(failure.IngestionEmpty, "ingest.Ingest", fb.err)
		}
		merged, contributors = merge([]fetchOutcome{fb})
		usedFallback = true
	}

	res, err := c.persist(ctx, stationID, from, to, merged)
	c.completeRuns(outcomes, res)
	if err != nil {
		return nil, err
	}
	res.Providers = contributors
	res.UsedFallback = usedFallback

	log.Info("ingested", "station", stationID, "from", from, "to", to, "fetched", res.Fetched,
		"inserted", res.Stored.Inserted, "replaced", res.Stored.Replaced, "rejected", res.Rejected,
		"providers", contributors)
	if c.OnIngested != nil {
		c.OnIngested(ctx, res)
	}
	return res, nil
}

// IngestBatch validates and stores observations supplied directly by the caller.
func (c *Coordinator) IngestBatch(ctx context.Context, stationID string, batch []models.Observation) (*Result, error) {
	if len(batch) == 0 {
		return nil, failure.Newf(failure.IngestionEmpty, "ingest.IngestBatch", "empty batch for %s", stationID)
	}
	if _, err := c.store.GetStation(ctx, stationID); err != nil {
		return nil, err
	}
	rows := make([]models.Observation, len(batch))
	copy(rows, batch)
	from, to := rows[0].Timestamp, rows[0].Timestamp
	for i := range rows {
		rows[i].StationID = stationID
		rows[i].Timestamp = rows[i].Timestamp.UTC()
		if rows[i].Timestamp.Before(from) {
			from = rows[i].Timestamp
		}
		if rows[i].Timestamp.After(to) {
			to = rows[i].Timestamp
		}
	}
	res, err := c.persist(ctx, stationID, from, to, rows)
	if err != nil {
		return nil, err
	}
	if c.OnIngested != nil {
		c.OnIngested(ctx, res)
	}
	return res, nil
}

func (c *Coordinator) fetchAll(ctx context.Context, req provider.Request) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(c.providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, p := range c.providers {
		g.Go(func() error {
			outcomes[i] = c.fetchOne(gctx, p, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) fetchOne(ctx context.Context, p provider.Provider, req provider.Request) fetchOutcome {
	name := p.Name()
	run, err := c.store.StartIngestRun(ctx, name, endpointDaily, req.Station.StationID)
	if err != nil {
		c.log.Warn("failed to start ingest run", "provider", name, "error", err)
	}

	start := time.Now()
	series, err := p.Fetch(ctx, req)
	metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = string(failure.KindOf(err))
	}
	metrics.ProviderCallsTotal.WithLabelValues(name, req.Station.StationID, status).Inc()

	out := fetchOutcome{provider: p, series: series, err: err, run: run}
	if err != nil {
		logging.Failure(ctx, c.log.With("provider", name, "station", req.Station.StationID), "provider fetch failed", err)
		return out
	}

	if run != nil {
		var size int64
		for _, pl := range series.Payloads {
			size += int64(len(pl.Body))
			run.HTTPStatus = sql.NullInt64{Int64: int64(pl.Status), Valid: true}
			if c.opts.ArchivePayloads {
				if _, err := c.store.StoreRawPayload(ctx, run.ID, name, pl.Endpoint, req.Station.StationID, pl.Body); err != nil {
					c.log.Warn("failed to archive raw payload", "provider", name, "error", err)
				}
			}
		}
		run.ResponseSizeBytes = sql.NullInt64{Int64: size, Valid: len(series.Payloads) > 0}
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(series.Observations)), Valid: true}
	}
	return out
}

// completeRuns closes the audit rows; stored counts rows whose provenance is the run's provider.
func (c *Coordinator) completeRuns(outcomes []fetchOutcome, res *Result) {
	stored := map[string]int{}
	if res != nil {
		for name, n := range res.byProvider {
			stored[name] = n
		}
	}
	// Audit rows are written even when the caller's context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, o := range outcomes {
		if o.run == nil {
			continue
		}
		name := o.provider.Name()
		o.run.Success = o.err == nil
		o.run.RecordsStored = sql.NullInt64{Int64: int64(stored[name]), Valid: true}
		if o.err != nil {
			o.run.ErrorKind = sql.NullString{String: string(failure.KindOf(o.err)), Valid: true}
			o.run.ErrorMessage = sql.NullString{String: o.err.Error(), Valid: true}
		}
		if err := c.store.CompleteIngestRun(ctx, o.run); err != nil {
			c.log.Warn("failed to complete ingest run", "provider", name, "error", err)
		}
	}
}

// merge combines provider series, keeping for each timestamp and variable the
// first non-null value in priority order. It returns the merged rows in
// timestamp order and the providers that contributed.
func merge(outcomes []fetchOutcome) ([]models.Observation, []string) {
	byTS := map[time.Time]*models.Observation{}
	var order []time.Time
	contributed := map[string]bool{}
	var contributors []string

	for _, o := range outcomes {
		if o.err != nil || o.series == nil {
			continue
		}
		name := o.provider.Name()
		for _, in := range o.series.Observations {
			ts := in.Timestamp.UTC()
			row, ok := byTS[ts]
			if !ok {
				row = &models.Observation{
					StationID:          in.StationID,
					Timestamp:          ts,
					VariableProvenance: map[models.Variable]string{},
				}
				byTS[ts] = row
				order = append(order, ts)
			}
			for _, v := range models.Variables {
				if row.Get(v).Valid {
					continue
				}
				val := in.Get(v)
				if !val.Valid {
					continue
				}
				row.Set(v, val.Float64)
				row.VariableProvenance[v] = name
				if v == models.VarRadiation {
					row.RadiationUnit = in.RadiationUnit
				}
				if row.Provenance == "" {
					row.Provenance = name
				}
				if !contributed[name] {
					contributed[name] = true
					contributors = append(contributors, name)
				}
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	out := make([]models.Observation, 0, len(order))
	for _, ts := range order {
		row := byTS[ts]
		if row.Provenance == "" {
			continue
		}
		out = append(out, *row)
	}
	return out, contributors
}

// persist validates rows, records batch quality, writes the valid rows and
// triggers index recomputation.
func (c *Coordinator) persist(ctx context.Context, stationID string, from, to time.Time, rows []models.Observation) (*Result, error) {
	log := logging.FromContext(ctx, c.log)
	res := &Result{StationID: stationID, From: from, To: to, Fetched: len(rows), Reasons: map[string]int{}}

	valid := make([]models.Observation, 0, len(rows))
	seen := map[time.Time]int{}
	for i := range rows {
		o := rows[i]
		flags := ValidateObservation(&o)
		if len(flags) > 0 {
			res.Rejected++
			for _, f := range flags {
				res.Reasons[f]++
				metrics.ObservationsRejected.WithLabelValues(stationID, f).Inc()
			}
			log.Debug("observation rejected", "station", stationID, "ts", o.Timestamp, "reasons", flags)
			continue
		}
		if j, dup := seen[o.Timestamp]; dup {
			// Later rows win; the earlier one counts as a duplicate, not a rejection.
			valid[j] = o
			res.Reasons[FlagDuplicate]++
			continue
		}
		seen[o.Timestamp] = len(valid)
		valid = append(valid, o)
	}

	q := store.DataQuality{
		StationID:   stationID,
		CheckedAt:   c.now().UTC(),
		WindowStart: from,
		WindowEnd:   to,
		Total:       len(rows),
		Valid:       len(valid),
		Rejected:    res.Rejected,
		Reasons:     res.Reasons,
	}
	if len(rows) > 0 {
		q.RejectionRate = float64(res.Rejected) / float64(len(rows))
	}
	if err := c.store.RecordDataQuality(ctx, q); err != nil {
		log.Warn("failed to record data quality", "station", stationID, "error", err)
	}
	if c.quality != nil && c.qualityBreached(q) {
		if err := c.quality.DataQualityBreached(ctx, q); err != nil {
			logging.Failure(ctx, log, "data quality alert failed", err)
		}
	}

	if q.RejectionRate > c.opts.MaxRejectFraction {
		return nil, failure.Newf(failure.ValidationRejected, "ingest.store",
			"%d of %d rows rejected for %s (limit %.0f%%)", res.Rejected, len(rows), stationID, c.opts.MaxRejectFraction*100)
	}
	if len(valid) == 0 {
		return nil, failure.Newf(failure.IngestionEmpty, "ingest.store", "no valid rows for %s", stationID)
	}

	put, err := c.store.PutBatch(ctx, valid)
	if err != nil {
		return nil, err
	}
	res.Stored = put
	metrics.ObservationsIngested.WithLabelValues(stationID).Add(float64(put.Written()))

	res.byProvider = map[string]int{}
	for _, o := range valid {
		res.byProvider[o.Provenance]++
	}

	if c.indices != nil {
		first, last := valid[0].Timestamp, valid[len(valid)-1].Timestamp
		for _, o := range valid {
			if o.Timestamp.Before(first) {
				first = o.Timestamp
			}
			if o.Timestamp.After(last) {
				last = o.Timestamp
			}
		}
		ir, err := c.indices.Recompute(ctx, stationID, first, last)
		if err != nil {
			return nil, fmt.Errorf("recompute indices: %w", err)
		}
		res.Indices = ir
	}
	return res, nil
}

func (c *Coordinator) qualityBreached(q store.DataQuality) bool {
	if q.Rejected == 0 {
		return false
	}
	if c.opts.QualityThreshold == nil {
		return true
	}
	limit := c.opts.QualityThreshold(q.StationID)
	return limit > 0 && q.RejectionRate >= limit
}
