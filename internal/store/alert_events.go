package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/models"
)

// SaveAlertEvent persists an event and any dispatch attempts already recorded on it.
func (s *Store) SaveAlertEvent(ctx context.Context, ev models.AlertEvent) error {
	vals, err := json.Marshal(ev.Values)
	if err != nil {
		return fmt.Errorf("encode trigger values: %w", err)
	}
	aud, err := json.Marshal(ev.Audience)
	if err != nil {
		return fmt.Errorf("encode audience: %w", err)
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return s.withConflictRetry(ctx, "store.SaveAlertEvent", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_events (id, rule_id, kind, severity, station_id, triggered_at, trigger_values, message,
				dedup_key, audience, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, ev.ID, ev.RuleID, string(ev.Kind), string(ev.Severity), ev.StationID, formatTS(ev.TriggeredAt),
			string(vals), ev.Message, ev.DedupKey, string(aud), ev.Source, formatTS(created)); err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
		for _, d := range ev.Dispatches {
			if err := insertDispatch(ctx, tx, ev.ID, d); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func insertDispatch(ctx context.Context, tx *sql.Tx, eventID string, d models.ChannelDispatch) error {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alert_dispatches (event_id, channel, recipient, status, attempts, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, eventID, string(d.Channel), d.Recipient, string(d.Status), d.Attempts, d.Error, formatTS(at))
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// RecordDispatches appends dispatch outcomes to a stored event.
func (s *Store) RecordDispatches(ctx context.Context, eventID string, ds []models.ChannelDispatch) error {
	if len(ds) == 0 {
		return nil
	}
	return s.withConflictRetry(ctx, "store.RecordDispatches", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, d := range ds {
			if err := insertDispatch(ctx, tx, eventID, d); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

type AlertFilter struct {
	StationID string
	Kind      models.AlertKind
	Since     time.Time
	Limit     int
}

// GetAlertEvents returns events newest first with their dispatch log attached.
func (s *Store) GetAlertEvents(ctx context.Context, f AlertFilter) ([]models.AlertEvent, error) {
	q := `
		SELECT id, rule_id, kind, severity, station_id, triggered_at, COALESCE(trigger_values, ''), COALESCE(message, ''),
			dedup_key, COALESCE(audience, ''), COALESCE(source, ''), created_at
		FROM alert_events
		WHERE created_at >= ?`
	args := []any{formatTS(f.Since)}
	if f.StationID != "" {
		q += ` AND station_id = ?`
		args = append(args, f.StationID)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AlertEvent
	for rows.Next() {
		var ev models.AlertEvent
		var kind, sev, triggered, vals, aud, created string
		if err := rows.Scan(&ev.ID, &ev.RuleID, &kind, &sev, &ev.StationID, &triggered, &vals, &ev.Message,
			&ev.DedupKey, &aud, &ev.Source, &created); err != nil {
			return nil, err
		}
		ev.Kind = models.AlertKind(kind)
		ev.Severity = models.Severity(sev)
		if ev.TriggeredAt, err = parseTS(triggered); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if vals != "" {
			if err := json.Unmarshal([]byte(vals), &ev.Values); err != nil {
				return nil, fmt.Errorf("decode trigger values: %w", err)
			}
		}
		if aud != "" {
			if err := json.Unmarshal([]byte(aud), &ev.Audience); err != nil {
				return nil, fmt.Errorf("decode audience: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		ds, err := s.getDispatches(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Dispatches = ds
	}
	return out, nil
}

func (s *Store) getDispatches(ctx context.Context, eventID string) ([]models.ChannelDispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, recipient, status, attempts, COALESCE(error, ''), at
		FROM alert_dispatches WHERE event_id = ? ORDER BY id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChannelDispatch
	for rows.Next() {
		var d models.ChannelDispatch
		var ch, status, at string
		if err := rows.Scan(&ch, &d.Recipient, &status, &d.Attempts, &d.Error, &at); err != nil {
			return nil, err
		}
		d.Channel = models.Channel(ch)
		d.Status = models.DispatchStatus(status)
		if d.At, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastEventForKey returns the creation time of the newest event with the dedup key.
func (s *Store) LastEventForKey(ctx context.Context, key string) (time.Time, bool, error) {
	var ts sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM alert_events WHERE dedup_key = ?`, key).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTS(ts.String)
	return t, err == nil, err
}

type NotificationStat struct {
	Channel models.Channel        `json:"channel"`
	Status  models.DispatchStatus `json:"status"`
	Count   int                   `json:"count"`
}

// NotificationStats counts dispatch outcomes by channel and status over the last days.
func (s *Store) NotificationStats(ctx context.Context, days int, now time.Time) ([]NotificationStat, error) {
	since := now.AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, status, COUNT(*)
		FROM alert_dispatches
		WHERE at >= ?
		GROUP BY channel, status
		ORDER BY channel, status
	`, formatTS(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationStat
	for rows.Next() {
		var st NotificationStat
		var ch, status string
		if err := rows.Scan(&ch, &status, &st.Count); err != nil {
			return nil, err
		}
		st.Channel = models.Channel(ch)
		st.Status = models.DispatchStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}
