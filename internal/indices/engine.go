package indices

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

// extremeSigma is the deviation from the monthly normal that flags an extreme event.
const extremeSigma = 2.0

// minPatternSamples guards against flagging extremes from thin monthly history.
const minPatternSamples = 10

// Result summarises one recomputation.
type Result struct {
	Indices  int
	Extremes int
}

// Engine recomputes derived indices and extreme events for stored observations.
type Engine struct {
	store *store.Store
	calc  *Calculator
	log   *slog.Logger
}

func NewEngine(s *store.Store, calc *Calculator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, calc: calc, log: logger.With("component", "indices")}
}

func (e *Engine) Calculator() *Calculator { return e.calc }

// Recompute rewrites the DerivedIndex rows of every observation of the station in
// [from, to]. Running it twice over unchanged observations writes identical rows.
func (e *Engine) Recompute(ctx context.Context, stationID string, from, to time.Time) (Result, error) {
	var res Result
	st, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		return res, err
	}
	obs, err := e.store.GetRange(ctx, stationID, from, to)
	if err != nil {
		return res, fmt.Errorf("load observations: %w", err)
	}
	if len(obs) == 0 {
		return res, nil
	}

	rows := make([]models.DerivedIndex, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, e.calc.Compute(*st, o))
	}
	if err := e.store.PutIndices(ctx, rows); err != nil {
		return res, err
	}
	res.Indices = len(rows)

	patterns, err := e.store.GetSeasonalPatterns(ctx, stationID)
	if err != nil {
		return res, fmt.Errorf("load seasonal patterns: %w", err)
	}
	events := DetectExtremes(obs, patterns, e.store.Location())
	if err := e.store.PutExtremeEvents(ctx, events); err != nil {
		return res, err
	}
	res.Extremes = len(events)

	e.log.Debug("indices recomputed", "station", stationID, "from", from, "to", to,
		"rows", res.Indices, "extremes", res.Extremes)
	return res, nil
}

// RecomputeAll runs Recompute for every active station.
func (e *Engine) RecomputeAll(ctx context.Context, from, to time.Time) (Result, error) {
	var total Result
	stations, err := e.store.GetStations(ctx, true)
	if err != nil {
		return total, err
	}
	for _, st := range stations {
		if err := failure.FromContext(ctx, "indices.RecomputeAll"); err != nil {
			return total, err
		}
		r, err := e.Recompute(ctx, st.StationID, from, to)
		if err != nil {
			return total, fmt.Errorf("station %s: %w", st.StationID, err)
		}
		total.Indices += r.Indices
		total.Extremes += r.Extremes
	}
	return total, nil
}

// DetectExtremes flags values more than two standard deviations from the
// station's monthly normal.
func DetectExtremes(obs []models.Observation, patterns map[int]map[models.Variable]store.SeasonalPattern, loc *time.Location) []store.ExtremeEvent {
	if loc == nil {
		loc = time.UTC
	}
	var out []store.ExtremeEvent
	for _, o := range obs {
		month := int(o.Timestamp.In(loc).Month())
		byVar := patterns[month]
		for _, v := range models.Variables {
			p, ok := byVar[v]
			if !ok || p.Std <= 0 || p.Samples < minPatternSamples {
				continue
			}
			val := o.Get(v)
			if !val.Valid {
				continue
			}
			dev := (val.Float64 - p.Mean) / p.Std
			if math.Abs(dev) <= extremeSigma {
				continue
			}
			ev := store.ExtremeEvent{
				StationID: o.StationID,
				Timestamp: o.Timestamp,
				Variable:  v,
				Kind:      "high",
				Value:     val.Float64,
				Normal:    p.Mean,
				Deviation: dev,
				Severity:  models.SeverityMedium,
			}
			if dev < 0 {
				ev.Kind = "low"
			}
			if math.Abs(dev) > 3 {
				ev.Severity = models.SeverityHigh
			}
			out = append(out, ev)
		}
	}
	return out
}
