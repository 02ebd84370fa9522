package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// PutResult counts what a batch did to stored content.
type PutResult struct {
	Inserted  int
	Replaced  int
	Unchanged int
}

func (r PutResult) Written() int { return r.Inserted + r.Replaced }

const observationColumns = `station_id, ts, temperature_max, temperature_min, temperature_mean, humidity, precipitation,
	wind_speed, wind_direction, pressure, cloud_cover, radiation, COALESCE(radiation_unit, ''), dew_point, uv_index,
	provenance, COALESCE(variable_provenance, ''), created_at`

// PutBatch writes observations atomically. Rows are grouped by station and
// written in timestamp order while holding each station's write lock.
// A row whose measured content equals the stored row only refreshes provenance.
// A differing row replaces the stored one and the previous content is kept in
// observation_revisions.
func (s *Store) PutBatch(ctx context.Context, batch []models.Observation) (PutResult, error) {
	var res PutResult
	if len(batch) == 0 {
		return res, nil
	}

	sorted := make([]models.Observation, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StationID != sorted[j].StationID {
			return sorted[i].StationID < sorted[j].StationID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var stations []string
	for i, o := range sorted {
		if i == 0 || o.StationID != sorted[i-1].StationID {
			stations = append(stations, o.StationID)
		}
	}
	for _, id := range stations {
		unlock := s.locks.lock(id)
		defer unlock()
	}

	err := s.withConflictRetry(ctx, "store.PutBatch", func() error {
		res = PutResult{}
		return s.putBatchTx(ctx, sorted, &res)
	})
	return res, err
}

func (s *Store) putBatchTx(ctx context.Context, batch []models.Observation, res *PutResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	now := formatTS(time.Now())
	for i := range batch {
		o := &batch[i]
		if err := ctx.Err(); err != nil {
			return failure.FromContext(ctx, "store.PutBatch")
		}

		existing, err := getObservation(ctx, tx, o.StationID, o.Timestamp)
		if err != nil {
			return err
		}

		provJSON, err := encodeProvenance(o.VariableProvenance)
		if err != nil {
			return err
		}

		switch {
		case existing == nil:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO observations (station_id, ts, temperature_max, temperature_min, temperature_mean, humidity,
					precipitation, wind_speed, wind_direction, pressure, cloud_cover, radiation, radiation_unit, dew_point,
					uv_index, provenance, variable_provenance, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, o.StationID, formatTS(o.Timestamp), o.TempMax, o.TempMin, o.TempMean, o.Humidity, o.Precipitation,
				o.WindSpeed, o.WindDirection, o.Pressure, o.CloudCover, o.Radiation, o.RadiationUnit, o.DewPoint,
				o.UVIndex, o.Provenance, provJSON, now, now); err != nil {
				return fmt.Errorf("insert observation %s@%s: %w", o.StationID, formatTS(o.Timestamp), err)
			}
			res.Inserted++

		case existing.Equal(o):
			if _, err := tx.ExecContext(ctx, `
				UPDATE observations SET provenance = ?, variable_provenance = ?, updated_at = ?
				WHERE station_id = ? AND ts = ?
			`, o.Provenance, provJSON, now, o.StationID, formatTS(o.Timestamp)); err != nil {
				return fmt.Errorf("refresh provenance %s@%s: %w", o.StationID, formatTS(o.Timestamp), err)
			}
			res.Unchanged++

		default:
			prev, err := json.Marshal(snapshot(existing))
			if err != nil {
				return fmt.Errorf("encode previous observation: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO observation_revisions (station_id, ts, previous, replaced_at) VALUES (?, ?, ?, ?)
			`, o.StationID, formatTS(o.Timestamp), string(prev), now); err != nil {
				return fmt.Errorf("record revision: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE observations SET temperature_max = ?, temperature_min = ?, temperature_mean = ?, humidity = ?,
					precipitation = ?, wind_speed = ?, wind_direction = ?, pressure = ?, cloud_cover = ?, radiation = ?,
					radiation_unit = ?, dew_point = ?, uv_index = ?, provenance = ?, variable_provenance = ?, updated_at = ?
				WHERE station_id = ? AND ts = ?
			`, o.TempMax, o.TempMin, o.TempMean, o.Humidity, o.Precipitation, o.WindSpeed, o.WindDirection,
				o.Pressure, o.CloudCover, o.Radiation, o.RadiationUnit, o.DewPoint, o.UVIndex, o.Provenance, provJSON,
				now, o.StationID, formatTS(o.Timestamp)); err != nil {
				return fmt.Errorf("replace observation %s@%s: %w", o.StationID, formatTS(o.Timestamp), err)
			}
			s.log.Info("observation superseded", "station", o.StationID, "timestamp", o.Timestamp, "previous", string(prev))
			res.Replaced++
		}
	}

	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getObservation(ctx context.Context, q querier, stationID string, ts time.Time) (*models.Observation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE station_id = ? AND ts = ?`,
		stationID, formatTS(ts))
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanObservation(sc interface{ Scan(...any) error }) (*models.Observation, error) {
	var o models.Observation
	var ts, prov, created string
	if err := sc.Scan(&o.StationID, &ts, &o.TempMax, &o.TempMin, &o.TempMean, &o.Humidity, &o.Precipitation,
		&o.WindSpeed, &o.WindDirection, &o.Pressure, &o.CloudCover, &o.Radiation, &o.RadiationUnit, &o.DewPoint,
		&o.UVIndex, &o.Provenance, &prov, &created); err != nil {
		return nil, err
	}
	var err error
	if o.Timestamp, err = parseTS(ts); err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	if o.CreatedAt, err = parseTS(created); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	if prov != "" {
		if err := json.Unmarshal([]byte(prov), &o.VariableProvenance); err != nil {
			return nil, fmt.Errorf("decode variable provenance: %w", err)
		}
	}
	return &o, nil
}

func encodeProvenance(p map[models.Variable]string) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode variable provenance: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func snapshot(o *models.Observation) map[string]any {
	m := map[string]any{"provenance": o.Provenance}
	for _, v := range models.Variables {
		if n := o.Get(v); n.Valid {
			m[string(v)] = n.Float64
		}
	}
	if o.RadiationUnit != "" {
		m["radiation_unit"] = o.RadiationUnit
	}
	return m
}

// GetRange returns a station's observations in [from, to] in ascending timestamp order.
func (s *Store) GetRange(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE station_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, stationID, formatTS(from), formatTS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Latest returns the most recent observation for a station, or nil when none exist.
func (s *Store) Latest(ctx context.Context, stationID string) (*models.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE station_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`, stationID)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// LatestBefore returns up to n observations at or before t, oldest first.
func (s *Store) LatestBefore(ctx context.Context, stationID string, t time.Time, n int) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE station_id = ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT ?
	`, stationID, formatTS(t), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountObservations returns the number of stored rows for a station.
func (s *Store) CountObservations(ctx context.Context, stationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE station_id = ?`, stationID).Scan(&n)
	return n, err
}

// Revisions returns the number of times an observation was superseded.
func (s *Store) Revisions(ctx context.Context, stationID string, ts time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observation_revisions WHERE station_id = ? AND ts = ?`,
		stationID, formatTS(ts)).Scan(&n)
	return n, err
}
