package store

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/metgo/quillota/internal/models"
)

// SeasonalPattern summarises one variable for one calendar month at a station.
type SeasonalPattern struct {
	StationID string          `json:"station_id"`
	Month     int             `json:"month"`
	Variable  models.Variable `json:"variable"`
	Mean      float64         `json:"mean"`
	Median    float64         `json:"median"`
	Std       float64         `json:"std"`
	Min       float64         `json:"min"`
	Max       float64         `json:"max"`
	P25       float64         `json:"p25"`
	P75       float64         `json:"p75"`
	Samples   int             `json:"samples"`
}

var seasonalVariables = []models.Variable{
	models.VarTempMax, models.VarTempMin, models.VarTempMean, models.VarHumidity, models.VarPrecipitation,
	models.VarWindSpeed, models.VarPressure, models.VarCloudCover, models.VarRadiation,
}

// ComputeSeasonalPatterns rebuilds the monthly climatology of a station from its full history.
func (s *Store) ComputeSeasonalPatterns(ctx context.Context, stationID string) ([]SeasonalPattern, error) {
	obs, err := s.GetRange(ctx, stationID, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}

	values := make(map[int]map[models.Variable][]float64)
	for _, o := range obs {
		m := int(o.Timestamp.In(s.loc).Month())
		if values[m] == nil {
			values[m] = make(map[models.Variable][]float64)
		}
		for _, v := range seasonalVariables {
			if n := o.Get(v); n.Valid {
				values[m][v] = append(values[m][v], n.Float64)
			}
		}
	}

	var patterns []SeasonalPattern
	for m := 1; m <= 12; m++ {
		for _, v := range seasonalVariables {
			data := values[m][v]
			if len(data) == 0 {
				continue
			}
			p, err := summarise(data)
			if err != nil {
				return nil, fmt.Errorf("summarise %s month %d: %w", v, m, err)
			}
			p.StationID, p.Month, p.Variable = stationID, m, v
			patterns = append(patterns, p)
		}
	}

	err = s.withConflictRetry(ctx, "store.ComputeSeasonalPatterns", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		now := formatTS(time.Now())
		for _, p := range patterns {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO seasonal_patterns (station_id, month, variable, mean, median, std, min, max, p25, p75, samples, computed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(station_id, month, variable) DO UPDATE SET
					mean = excluded.mean, median = excluded.median, std = excluded.std, min = excluded.min,
					max = excluded.max, p25 = excluded.p25, p75 = excluded.p75, samples = excluded.samples,
					computed_at = excluded.computed_at
			`, p.StationID, p.Month, string(p.Variable), p.Mean, p.Median, p.Std, p.Min, p.Max, p.P25, p.P75,
				p.Samples, now); err != nil {
				return fmt.Errorf("upsert seasonal pattern: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return patterns, nil
}

func summarise(data []float64) (SeasonalPattern, error) {
	in := stats.Float64Data(data)
	p := SeasonalPattern{Samples: len(data)}
	var err error
	if p.Mean, err = in.Mean(); err != nil {
		return p, err
	}
	if p.Median, err = in.Median(); err != nil {
		return p, err
	}
	if len(data) > 1 {
		if p.Std, err = in.StandardDeviationSample(); err != nil {
			return p, err
		}
	}
	if p.Min, err = in.Min(); err != nil {
		return p, err
	}
	if p.Max, err = in.Max(); err != nil {
		return p, err
	}
	if p.P25, err = in.Percentile(25); err != nil {
		return p, err
	}
	if p.P75, err = in.Percentile(75); err != nil {
		return p, err
	}
	return p, nil
}

// GetSeasonalPatterns returns the stored climatology keyed by month then variable.
func (s *Store) GetSeasonalPatterns(ctx context.Context, stationID string) (map[int]map[models.Variable]SeasonalPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT month, variable, mean, median, std, min, max, p25, p75, samples
		FROM seasonal_patterns WHERE station_id = ?
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]map[models.Variable]SeasonalPattern)
	for rows.Next() {
		p := SeasonalPattern{StationID: stationID}
		var v string
		if err := rows.Scan(&p.Month, &v, &p.Mean, &p.Median, &p.Std, &p.Min, &p.Max, &p.P25, &p.P75, &p.Samples); err != nil {
			return nil, err
		}
		p.Variable = models.Variable(v)
		if out[p.Month] == nil {
			out[p.Month] = make(map[models.Variable]SeasonalPattern)
		}
		out[p.Month][p.Variable] = p
	}
	return out, rows.Err()
}

// ExtremeEvent is an observation more than two standard deviations from its monthly normal.
type ExtremeEvent struct {
	StationID string          `json:"station_id"`
	Timestamp time.Time       `json:"timestamp"`
	Variable  models.Variable `json:"variable"`
	Kind      string          `json:"kind"` // "high", "low"
	Value     float64         `json:"value"`
	Normal    float64         `json:"normal"`
	Deviation float64         `json:"deviation"` // in standard deviations
	Severity  models.Severity `json:"severity"`
}

func (s *Store) PutExtremeEvents(ctx context.Context, events []ExtremeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.withConflictRetry(ctx, "store.PutExtremeEvents", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO extreme_events (station_id, ts, variable, kind, value, normal, deviation, severity)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(station_id, ts, variable) DO UPDATE SET
					kind = excluded.kind, value = excluded.value, normal = excluded.normal,
					deviation = excluded.deviation, severity = excluded.severity
			`, e.StationID, formatTS(e.Timestamp), string(e.Variable), e.Kind, e.Value, e.Normal, e.Deviation,
				string(e.Severity)); err != nil {
				return fmt.Errorf("upsert extreme event: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) GetExtremeEvents(ctx context.Context, stationID string, from, to time.Time) ([]ExtremeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, ts, variable, kind, value, normal, deviation, severity
		FROM extreme_events
		WHERE station_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts, variable
	`, stationID, formatTS(from), formatTS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExtremeEvent
	for rows.Next() {
		var e ExtremeEvent
		var ts, v, sev string
		if err := rows.Scan(&e.StationID, &ts, &v, &e.Kind, &e.Value, &e.Normal, &e.Deviation, &sev); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		e.Variable = models.Variable(v)
		e.Severity = models.Severity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
