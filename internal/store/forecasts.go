package store

import (
	"context"
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/models"
)

// SaveForecasts persists a forecast run. A run is keyed by production time,
// station, target, horizon and model, so saving the same run twice is a no-op.
func (s *Store) SaveForecasts(ctx context.Context, fs []models.Forecast) error {
	if len(fs) == 0 {
		return nil
	}
	return s.withConflictRetry(ctx, "store.SaveForecasts", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, f := range fs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO forecasts (produced_at, target_time, station_id, target, horizon, value, lower, upper,
					confidence, epistemic, aleatoric, model_name, strategy)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(produced_at, station_id, target, horizon, model_name) DO NOTHING
			`, formatTS(f.ProducedAt), formatTS(f.TargetTime), f.StationID, string(f.Target), f.Horizon, f.Value,
				f.Lower, f.Upper, f.Confidence, f.Epistemic, f.Aleatoric, f.ModelName, f.Strategy); err != nil {
				return fmt.Errorf("insert forecast: %w", err)
			}
		}
		return tx.Commit()
	})
}

type ForecastFilter struct {
	StationID string
	Target    models.Variable
	From, To  time.Time // on target time
	ModelName string
}

func (s *Store) GetForecasts(ctx context.Context, f ForecastFilter) ([]models.Forecast, error) {
	q := `
		SELECT id, produced_at, target_time, station_id, target, horizon, value, lower, upper, confidence,
			COALESCE(epistemic, 0), COALESCE(aleatoric, 0), model_name, COALESCE(strategy, '')
		FROM forecasts
		WHERE target_time >= ? AND target_time <= ?`
	args := []any{formatTS(f.From), formatTS(f.To)}
	if f.StationID != "" {
		q += ` AND station_id = ?`
		args = append(args, f.StationID)
	}
	if f.Target != "" {
		q += ` AND target = ?`
		args = append(args, string(f.Target))
	}
	if f.ModelName != "" {
		q += ` AND model_name = ?`
		args = append(args, f.ModelName)
	}
	q += ` ORDER BY station_id, target_time, produced_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Forecast
	for rows.Next() {
		var fc models.Forecast
		var produced, target, variable string
		if err := rows.Scan(&fc.ID, &produced, &target, &fc.StationID, &variable, &fc.Horizon, &fc.Value,
			&fc.Lower, &fc.Upper, &fc.Confidence, &fc.Epistemic, &fc.Aleatoric, &fc.ModelName, &fc.Strategy); err != nil {
			return nil, err
		}
		if fc.ProducedAt, err = parseTS(produced); err != nil {
			return nil, err
		}
		if fc.TargetTime, err = parseTS(target); err != nil {
			return nil, err
		}
		fc.Target = models.Variable(variable)
		out = append(out, fc)
	}
	return out, rows.Err()
}
