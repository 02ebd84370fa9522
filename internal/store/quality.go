package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DataQuality records the validation outcome of one ingestion batch.
type DataQuality struct {
	StationID     string         `json:"station_id"`
	CheckedAt     time.Time      `json:"checked_at"`
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	Total         int            `json:"total"`
	Valid         int            `json:"valid"`
	Rejected      int            `json:"rejected"`
	RejectionRate float64        `json:"rejection_rate"`
	Reasons       map[string]int `json:"reasons,omitempty"`
}

func (s *Store) RecordDataQuality(ctx context.Context, q DataQuality) error {
	reasons, err := json.Marshal(q.Reasons)
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_quality (station_id, checked_at, window_start, window_end, total, valid, rejected, rejection_rate, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.StationID, formatTS(q.CheckedAt), formatTS(q.WindowStart), formatTS(q.WindowEnd), q.Total, q.Valid,
		q.Rejected, q.RejectionRate, string(reasons))
	return err
}

// GetDataQuality returns the newest quality records for a station.
func (s *Store) GetDataQuality(ctx context.Context, stationID string, limit int) ([]DataQuality, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, checked_at, window_start, window_end, total, valid, rejected, rejection_rate, COALESCE(reasons, '')
		FROM data_quality
		WHERE station_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DataQuality
	for rows.Next() {
		var q DataQuality
		var checked, ws, we, reasons string
		if err := rows.Scan(&q.StationID, &checked, &ws, &we, &q.Total, &q.Valid, &q.Rejected, &q.RejectionRate, &reasons); err != nil {
			return nil, err
		}
		if q.CheckedAt, err = parseTS(checked); err != nil {
			return nil, err
		}
		if q.WindowStart, err = parseTS(ws); err != nil {
			return nil, err
		}
		if q.WindowEnd, err = parseTS(we); err != nil {
			return nil, err
		}
		if reasons != "" && reasons != "null" {
			if err := json.Unmarshal([]byte(reasons), &q.Reasons); err != nil {
				return nil, err
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
