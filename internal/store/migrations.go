package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Stations, observations and derived indices",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    region TEXT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    elevation REAL,
    soil_class TEXT,
    primary_crop TEXT,
    marine_influence TEXT,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL,
    ts TEXT NOT NULL,
    temperature_max REAL,
    temperature_min REAL,
    temperature_mean REAL,
    humidity REAL,
    precipitation REAL,
    wind_speed REAL,
    wind_direction REAL,
    pressure REAL,
    cloud_cover REAL,
    radiation REAL,
    radiation_unit TEXT,
    dew_point REAL,
    uv_index REAL,
    provenance TEXT NOT NULL,
    variable_provenance TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (station_id, ts)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS observation_revisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    ts TEXT NOT NULL,
    previous TEXT NOT NULL,
    replaced_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_obs_revisions ON observation_revisions(station_id, ts);

CREATE TABLE IF NOT EXISTS derived_indices (
    station_id TEXT NOT NULL,
    ts TEXT NOT NULL,
    heat_index REAL,
    wind_chill REAL,
    dew_point_calc REAL,
    gdd_daily REAL,
    chill_hours_daily REAL,
    drought_idx REAL,
    frost_risk REAL,
    heat_stress REAL,
    water_stress REAL,
    growth_idx REAL,
    yield_idx REAL,
    phenology_stage TEXT,
    PRIMARY KEY (station_id, ts),
    FOREIGN KEY (station_id, ts) REFERENCES observations(station_id, ts) ON DELETE CASCADE
) WITHOUT ROWID;
`,
	},
	{
		Version:     2,
		Description: "Model registry and forecasts",
		SQL: `
CREATE TABLE IF NOT EXISTS model_records (
    name TEXT PRIMARY KEY,
    family TEXT NOT NULL,
    version INTEGER NOT NULL,
    target TEXT NOT NULL,
    kind TEXT NOT NULL,
    base_models TEXT,
    weights TEXT,
    params TEXT,
    features TEXT,
    metrics TEXT,
    base_metrics TEXT,
    training_seconds REAL,
    created_at TEXT NOT NULL,
    artifact_path TEXT,
    UNIQUE (family, version)
);

CREATE TABLE IF NOT EXISTS model_active (
    family TEXT PRIMARY KEY,
    name TEXT NOT NULL REFERENCES model_records(name),
    activated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    produced_at TEXT NOT NULL,
    target_time TEXT NOT NULL,
    station_id TEXT NOT NULL,
    target TEXT NOT NULL,
    horizon INTEGER NOT NULL,
    value REAL NOT NULL,
    lower REAL NOT NULL,
    upper REAL NOT NULL,
    confidence REAL NOT NULL,
    epistemic REAL,
    aleatoric REAL,
    model_name TEXT NOT NULL,
    strategy TEXT,
    UNIQUE (produced_at, station_id, target, horizon, model_name)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_target ON forecasts(station_id, target, target_time);
`,
	},
	{
		Version:     3,
		Description: "Alert events and dispatch log",
		SQL: `
CREATE TABLE IF NOT EXISTS alert_events (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL,
    station_id TEXT NOT NULL,
    triggered_at TEXT NOT NULL,
    trigger_values TEXT,
    message TEXT,
    dedup_key TEXT NOT NULL,
    audience TEXT,
    source TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_events_key ON alert_events(dedup_key, created_at);
CREATE INDEX IF NOT EXISTS idx_alert_events_station ON alert_events(station_id, triggered_at);

CREATE TABLE IF NOT EXISTS alert_dispatches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL REFERENCES alert_events(id) ON DELETE CASCADE,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_dispatches_event ON alert_dispatches(event_id);
`,
	},
	{
		Version:     4,
		Description: "Ingest audit, raw payload archive and data quality",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_kind TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at TEXT NOT NULL,
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS data_quality (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    checked_at TEXT NOT NULL,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    total INTEGER NOT NULL,
    valid INTEGER NOT NULL,
    rejected INTEGER NOT NULL,
    rejection_rate REAL NOT NULL,
    reasons TEXT
);

CREATE INDEX IF NOT EXISTS idx_data_quality_station ON data_quality(station_id, checked_at);
`,
	},
	{
		Version:     5,
		Description: "Seasonal patterns and extreme events",
		SQL: `
CREATE TABLE IF NOT EXISTS seasonal_patterns (
    station_id TEXT NOT NULL,
    month INTEGER NOT NULL,
    variable TEXT NOT NULL,
    mean REAL,
    median REAL,
    std REAL,
    min REAL,
    max REAL,
    p25 REAL,
    p75 REAL,
    samples INTEGER,
    computed_at TEXT NOT NULL,
    PRIMARY KEY (station_id, month, variable)
);

CREATE TABLE IF NOT EXISTS extreme_events (
    station_id TEXT NOT NULL,
    ts TEXT NOT NULL,
    variable TEXT NOT NULL,
    kind TEXT NOT NULL,
    value REAL NOT NULL,
    normal REAL NOT NULL,
    deviation REAL NOT NULL,
    severity TEXT NOT NULL,
    PRIMARY KEY (station_id, ts, variable)
);
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations, each in its own transaction.
func (s *Store) Migrate() error {
	ctx := context.Background()
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, formatTS(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
