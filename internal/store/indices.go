package store

import (
	"context"
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/models"
)

// PutIndices upserts derived rows. Every row must reference an existing
// observation; the foreign key rejects orphans.
func (s *Store) PutIndices(ctx context.Context, rows []models.DerivedIndex) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withConflictRetry(ctx, "store.PutIndices", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO derived_indices (station_id, ts, heat_index, wind_chill, dew_point_calc, gdd_daily,
				chill_hours_daily, drought_idx, frost_risk, heat_stress, water_stress, growth_idx, yield_idx, phenology_stage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id, ts) DO UPDATE SET
				heat_index = excluded.heat_index,
				wind_chill = excluded.wind_chill,
				dew_point_calc = excluded.dew_point_calc,
				gdd_daily = excluded.gdd_daily,
				chill_hours_daily = excluded.chill_hours_daily,
				drought_idx = excluded.drought_idx,
				frost_risk = excluded.frost_risk,
				heat_stress = excluded.heat_stress,
				water_stress = excluded.water_stress,
				growth_idx = excluded.growth_idx,
				yield_idx = excluded.yield_idx,
				phenology_stage = excluded.phenology_stage
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.StationID, formatTS(r.Timestamp), r.HeatIndex, r.WindChill,
				r.DewPointCalc, r.GDDDaily, r.ChillHoursDaily, r.DroughtIdx, r.FrostRisk, r.HeatStress,
				r.WaterStress, r.GrowthIdx, r.YieldIdx, string(r.Phenology)); err != nil {
				return fmt.Errorf("upsert index %s@%s: %w", r.StationID, formatTS(r.Timestamp), err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) GetIndices(ctx context.Context, stationID string, from, to time.Time) ([]models.DerivedIndex, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, ts, heat_index, wind_chill, dew_point_calc, gdd_daily, chill_hours_daily, drought_idx,
			frost_risk, heat_stress, water_stress, growth_idx, yield_idx, COALESCE(phenology_stage, '')
		FROM derived_indices
		WHERE station_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, stationID, formatTS(from), formatTS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DerivedIndex
	for rows.Next() {
		var d models.DerivedIndex
		var ts, stage string
		if err := rows.Scan(&d.StationID, &ts, &d.HeatIndex, &d.WindChill, &d.DewPointCalc, &d.GDDDaily,
			&d.ChillHoursDaily, &d.DroughtIdx, &d.FrostRisk, &d.HeatStress, &d.WaterStress, &d.GrowthIdx,
			&d.YieldIdx, &stage); err != nil {
			return nil, err
		}
		if d.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		d.Phenology = models.PhenologyStage(stage)
		out = append(out, d)
	}
	return out, rows.Err()
}

// OrphanIndices counts derived rows without an observation. It is zero whenever foreign keys are enforced.
func (s *Store) OrphanIndices(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM derived_indices d
		LEFT JOIN observations o ON o.station_id = d.station_id AND o.ts = d.ts
		WHERE o.station_id IS NULL
	`).Scan(&n)
	return n, err
}
