package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// NextModelVersion returns the next free version number for a model family.
func (s *Store) NextModelVersion(ctx context.Context, family string) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM model_records WHERE family = ?`, family).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64) + 1, nil
}

// SaveModelRecord inserts a record. Records are write-once: saving an existing name is a StoreConflict.
// When activate is set the family's active pointer flips to this record in the same transaction.
func (s *Store) SaveModelRecord(ctx context.Context, rec models.ModelRecord, activate bool) error {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	var fields [6]string
	var err error
	for i, v := range []any{rec.BaseModels, rec.Weights, rec.Params, rec.Features, rec.Metrics, rec.BaseMetrics} {
		if fields[i], err = enc(v); err != nil {
			return fmt.Errorf("encode model record: %w", err)
		}
	}

	return s.withConflictRetry(ctx, "store.SaveModelRecord", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM model_records WHERE name = ?`, rec.Name).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return failure.Newf(failure.StoreConflict, "store.SaveModelRecord", "model %q already registered", rec.Name)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_records (name, family, version, target, kind, base_models, weights, params, features,
				metrics, base_metrics, training_seconds, created_at, artifact_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.Name, rec.Family, rec.Version, string(rec.Target), string(rec.Kind), fields[0], fields[1], fields[2],
			fields[3], fields[4], fields[5], rec.TrainingSeconds, formatTS(rec.CreatedAt), rec.ArtifactPath); err != nil {
			return fmt.Errorf("insert model record: %w", err)
		}

		if activate {
			if err := setActive(ctx, tx, rec.Family, rec.Name); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func setActive(ctx context.Context, tx *sql.Tx, family, name string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO model_active (family, name, activated_at) VALUES (?, ?, ?)
		ON CONFLICT(family) DO UPDATE SET name = excluded.name, activated_at = excluded.activated_at
	`, family, name, formatTS(time.Now()))
	if err != nil {
		return fmt.Errorf("flip active pointer for %s: %w", family, err)
	}
	return nil
}

// Activate points a family at an already registered record.
func (s *Store) Activate(ctx context.Context, name string) error {
	rec, err := s.GetModelRecord(ctx, name)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := setActive(ctx, tx, rec.Family, rec.Name); err != nil {
		return err
	}
	return tx.Commit()
}

const modelColumns = `m.name, m.family, m.version, m.target, m.kind, m.base_models, m.weights, m.params, m.features,
	m.metrics, m.base_metrics, m.training_seconds, m.created_at, COALESCE(m.artifact_path, ''),
	CASE WHEN a.name IS NULL THEN 0 ELSE 1 END`

func scanModelRecord(sc interface{ Scan(...any) error }) (*models.ModelRecord, error) {
	var rec models.ModelRecord
	var target, kind, created string
	var raw [6]string
	var active int
	if err := sc.Scan(&rec.Name, &rec.Family, &rec.Version, &target, &kind, &raw[0], &raw[1], &raw[2], &raw[3],
		&raw[4], &raw[5], &rec.TrainingSeconds, &created, &rec.ArtifactPath, &active); err != nil {
		return nil, err
	}
	rec.Target = models.Variable(target)
	rec.Kind = models.ModelKind(kind)
	rec.Active = active == 1
	var err error
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	targets := []any{&rec.BaseModels, &rec.Weights, &rec.Params, &rec.Features, &rec.Metrics, &rec.BaseMetrics}
	for i, dst := range targets {
		if raw[i] == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw[i]), dst); err != nil {
			return nil, fmt.Errorf("decode model record %s: %w", rec.Name, err)
		}
	}
	return &rec, nil
}

func (s *Store) GetModelRecord(ctx context.Context, name string) (*models.ModelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+modelColumns+`
		FROM model_records m LEFT JOIN model_active a ON a.name = m.name
		WHERE m.name = ?
	`, name)
	rec, err := scanModelRecord(row)
	if err == sql.ErrNoRows {
		return nil, failure.Newf(failure.NotFound, "store.GetModelRecord", "model %q", name)
	}
	return rec, err
}

// ActiveModel returns the record the family's active pointer references.
func (s *Store) ActiveModel(ctx context.Context, family string) (*models.ModelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+modelColumns+`
		FROM model_active a JOIN model_records m ON m.name = a.name
		WHERE a.family = ?
	`, family)
	rec, err := scanModelRecord(row)
	if err == sql.ErrNoRows {
		return nil, failure.Newf(failure.NotFound, "store.ActiveModel", "no active model for %q", family)
	}
	return rec, err
}

func (s *Store) ListModelRecords(ctx context.Context) ([]models.ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+modelColumns+`
		FROM model_records m LEFT JOIN model_active a ON a.name = m.name
		ORDER BY m.family, m.version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ModelRecord
	for rows.Next() {
		rec, err := scanModelRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
