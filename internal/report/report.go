// Package report builds the daily agricultural bulletin, optionally adds an
// LLM-written advisory and publishes it.
package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

// StationDay summarises one station on the report day.
type StationDay struct {
	Station       models.Station
	Observed      bool
	TempMin       float64
	TempMax       float64
	TempMean      float64
	Precipitation float64
	Humidity      float64
	// GDDSeason accumulates growing degree days since the season start.
	GDDSeason float64
	Phenology models.PhenologyStage
	Alerts    []models.AlertEvent
	Tomorrow  map[models.Variable]models.Forecast
}

type Report struct {
	Day       time.Time
	Generated time.Time
	Stations  []StationDay
	Narrative string
}

// AlertCount returns the number of alerts across stations.
func (r *Report) AlertCount() int {
	n := 0
	for _, s := range r.Stations {
		n += len(s.Alerts)
	}
	return n
}

type Builder struct {
	store *store.Store
	loc   *time.Location
	log   *slog.Logger
	now   func() time.Time
}

func NewBuilder(s *store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: s, loc: s.Location(), log: logger.With("component", "report"), now: time.Now}
}

// seasonStart is the first day of the southern-hemisphere growing season
// containing day: July 1.
func seasonStart(day time.Time) time.Time {
	y := day.Year()
	if day.Month() < time.July {
		y--
	}
	return time.Date(y, time.July, 1, 0, 0, 0, 0, day.Location())
}

// Build summarises the local day containing day for every active station.
func (b *Builder) Build(ctx context.Context, day time.Time) (*Report, error) {
	const op = "report.Build"
	local := day.In(b.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc)
	end := start.AddDate(0, 0, 1).Add(-time.Second)

	stations, err := b.store.GetStations(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	if len(stations) == 0 {
		return nil, failure.Newf(failure.InsufficientData, op, "no active stations")
	}

	r := &Report{Day: start, Generated: b.now()}
	for _, st := range stations {
		if err := failure.FromContext(ctx, op); err != nil {
			return nil, err
		}
		sd, err := b.station(ctx, st, start, end)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", st.StationID, err)
		}
		r.Stations = append(r.Stations, *sd)
	}
	return r, nil
}

func (b *Builder) station(ctx context.Context, st models.Station, start, end time.Time) (*StationDay, error) {
	sd := &StationDay{Station: st, Tomorrow: make(map[models.Variable]models.Forecast)}

	obs, err := b.store.GetRange(ctx, st.StationID, start, end)
	if err != nil {
		return nil, err
	}
	summarise(sd, obs)

	idx, err := b.store.GetIndices(ctx, st.StationID, seasonStart(start), end)
	if err != nil {
		return nil, err
	}
	for _, d := range idx {
		sd.GDDSeason += d.GDDDaily
	}
	if len(idx) > 0 {
		sd.Phenology = idx[len(idx)-1].Phenology
	}

	sd.Alerts, err = b.store.GetAlertEvents(ctx, store.AlertFilter{StationID: st.StationID, Since: start})
	if err != nil {
		return nil, err
	}

	fcs, err := b.store.GetForecasts(ctx, store.ForecastFilter{
		StationID: st.StationID,
		From:      end.Add(time.Second),
		To:        end.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, err
	}
	for _, fc := range fcs {
		if cur, ok := sd.Tomorrow[fc.Target]; !ok || fc.ProducedAt.After(cur.ProducedAt) {
			sd.Tomorrow[fc.Target] = fc
		}
	}
	return sd, nil
}

func summarise(sd *StationDay, obs []models.Observation) {
	if len(obs) == 0 {
		return
	}
	sd.Observed = true
	sd.TempMin, sd.TempMax = math.Inf(1), math.Inf(-1)
	var sumMean, sumHum float64
	var nMean, nHum int
	for _, o := range obs {
		if o.TempMin.Valid {
			sd.TempMin = math.Min(sd.TempMin, o.TempMin.Float64)
		}
		if o.TempMax.Valid {
			sd.TempMax = math.Max(sd.TempMax, o.TempMax.Float64)
		}
		if o.TempMean.Valid {
			sumMean += o.TempMean.Float64
			nMean++
		}
		if o.Humidity.Valid {
			sumHum += o.Humidity.Float64
			nHum++
		}
		if o.Precipitation.Valid {
			sd.Precipitation += o.Precipitation.Float64
		}
	}
	if math.IsInf(sd.TempMin, 0) {
		sd.TempMin = math.NaN()
	}
	if math.IsInf(sd.TempMax, 0) {
		sd.TempMax = math.NaN()
	}
	sd.TempMean, sd.Humidity = math.NaN(), math.NaN()
	if nMean > 0 {
		sd.TempMean = sumMean / float64(nMean)
	}
	if nHum > 0 {
		sd.Humidity = sumHum / float64(nHum)
	}
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", v)
}

// Render writes the report as Markdown.
func Render(r *Report) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# METGO daily bulletin %s\n\n", r.Day.Format(time.DateOnly))
	if r.Narrative != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Narrative)
	}
	fmt.Fprintf(&b, "| Station | Crop | Min °C | Max °C | Mean °C | Rain mm | GDD season | Stage | Alerts |\n")
	fmt.Fprintf(&b, "|---|---|---|---|---|---|---|---|---|\n")
	for _, s := range r.Stations {
		if !s.Observed {
			fmt.Fprintf(&b, "| %s | %s | n/a | n/a | n/a | n/a | %.0f | %s | %d |\n",
				s.Station.Name, s.Station.PrimaryCrop, s.GDDSeason, stage(s.Phenology), len(s.Alerts))
			continue
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %.1f | %.0f | %s | %d |\n",
			s.Station.Name, s.Station.PrimaryCrop, num(s.TempMin), num(s.TempMax), num(s.TempMean),
			s.Precipitation, s.GDDSeason, stage(s.Phenology), len(s.Alerts))
	}

	if r.AlertCount() > 0 {
		b.WriteString("\n## Alerts\n\n")
		for _, s := range r.Stations {
			for _, a := range s.Alerts {
				fmt.Fprintf(&b, "- **%s** %s\n", a.Severity, a.Message)
			}
		}
	}

	var lines []string
	for _, s := range r.Stations {
		vars := make([]models.Variable, 0, len(s.Tomorrow))
		for v := range s.Tomorrow {
			vars = append(vars, v)
		}
		slices.Sort(vars)
		for _, v := range vars {
			fc := s.Tomorrow[v]
			lines = append(lines, fmt.Sprintf("- %s %s: %.1f (%.1f to %.1f, confidence %.0f%%)",
				s.Station.Name, v, fc.Value, fc.Lower, fc.Upper, fc.Confidence*100))
		}
	}
	if len(lines) > 0 {
		b.WriteString("\n## Tomorrow\n\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}
	return b.Bytes()
}

func stage(p models.PhenologyStage) string {
	if p == "" {
		return "-"
	}
	return string(p)
}
