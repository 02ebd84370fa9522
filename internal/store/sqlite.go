package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// tsLayout is the on-disk timestamp layout. Fixed width UTC strings sort chronologically.
const tsLayout = "2006-01-02T15:04:05Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

type Store struct {
	db    *sql.DB
	loc   *time.Location
	log   *slog.Logger
	locks *stationLocks

	// conflictRetries bounds retries of a busy write before StoreConflict is returned.
	conflictRetries uint64
}

func New(db *sql.DB, loc *time.Location, logger *slog.Logger) *Store {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:              db,
		loc:             loc,
		log:             logger.With("component", "store"),
		locks:           newStationLocks(),
		conflictRetries: 4,
	}
}

// Open opens the SQLite database at path with WAL, a busy timeout and foreign keys enabled.
// ":memory:" is pinned to a single connection so every query sees the same database.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *sql.DB { return s.db }

// Location is the local zone used for day and month buckets.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_id, name, region, latitude, longitude, elevation, soil_class, primary_crop, marine_influence, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			region = excluded.region,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			soil_class = excluded.soil_class,
			primary_crop = excluded.primary_crop,
			marine_influence = excluded.marine_influence,
			active = excluded.active
	`, st.StationID, st.Name, st.Region, st.Latitude, st.Longitude, st.Elevation, st.SoilClass, st.PrimaryCrop, string(st.MarineInfluence), st.Active)
	return err
}

const stationColumns = `station_id, name, COALESCE(region, ''), latitude, longitude, COALESCE(elevation, 0), COALESCE(soil_class, ''), COALESCE(primary_crop, ''), COALESCE(marine_influence, ''), active`

func scanStation(sc interface{ Scan(...any) error }) (models.Station, error) {
	var st models.Station
	var marine string
	err := sc.Scan(&st.StationID, &st.Name, &st.Region, &st.Latitude, &st.Longitude, &st.Elevation, &st.SoilClass, &st.PrimaryCrop, &marine, &st.Active)
	st.MarineInfluence = models.MarineInfluence(marine)
	return st, err
}

func (s *Store) GetStations(ctx context.Context, activeOnly bool) ([]models.Station, error) {
	q := `SELECT ` + stationColumns + ` FROM stations`
	if activeOnly {
		q += ` WHERE active = TRUE`
	}
	q += ` ORDER BY station_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// GetStation returns the station or a NotFound failure.
func (s *Store) GetStation(ctx context.Context, id string) (*models.Station, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM stations WHERE station_id = ?`, id)
	st, err := scanStation(row)
	if err == sql.ErrNoRows {
		return nil, failure.Newf(failure.NotFound, "store.GetStation", "station %q", id)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// withConflictRetry retries fn while SQLite reports the database as busy and
// escalates to StoreConflict once the retry budget is spent.
func (s *Store) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.conflictRetries), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			s.log.Warn("store busy, retrying", "op", op, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return failure.FromContext(ctx, op)
	}
	if isBusy(err) {
		return failure.New(failure.StoreConflict, op, err)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// stationLocks serialises writers per station while leaving readers free.
type stationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newStationLocks() *stationLocks {
	return &stationLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *stationLocks) lock(stationID string) func() {
	l.mu.Lock()
	m, ok := l.locks[stationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[stationID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
