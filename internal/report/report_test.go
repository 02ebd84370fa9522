package report

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

var quillota = models.Station{
	StationID: "quillota_centro", Name: "Quillota Centro", Latitude: -32.8833, Longitude: -71.25,
	Elevation: 150, PrimaryCrop: "palto", MarineInfluence: models.MarineMedium, Active: true,
}

var reportDay = time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, time.UTC, nil)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.UpsertStation(context.Background(), quillota))
	return s
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	var obs []models.Observation
	var idx []models.DerivedIndex
	for i := 0; i < 15; i++ {
		ts := reportDay.AddDate(0, 0, -i)
		obs = append(obs, models.Observation{
			StationID: quillota.StationID, Timestamp: ts, Provenance: "openmeteo",
			TempMin: nf(-1.2), TempMean: nf(8), TempMax: nf(17), Humidity: nf(75), Precipitation: nf(0.5),
		})
		idx = append(idx, models.DerivedIndex{StationID: quillota.StationID, Timestamp: ts, GDDDaily: 2, Phenology: models.StageDevelopment})
	}
	_, err := s.PutBatch(ctx, obs)
	require.NoError(t, err)
	require.NoError(t, s.PutIndices(ctx, idx))

	require.NoError(t, s.SaveAlertEvent(ctx, models.AlertEvent{
		ID: "a1", RuleID: "frost/quillota_centro", Kind: models.AlertFrost, Severity: models.SeverityCritical,
		StationID: quillota.StationID, TriggeredAt: reportDay, Message: "frost critical at quillota_centro",
		DedupKey: "k", Source: "observation", CreatedAt: reportDay.Add(6 * time.Hour),
	}))
	require.NoError(t, s.SaveForecasts(ctx, []models.Forecast{{
		ProducedAt: reportDay.Add(6 * time.Hour), TargetTime: reportDay.AddDate(0, 0, 1), StationID: quillota.StationID,
		Target: models.VarTempMin, Horizon: 1, Value: 0.5, Lower: -0.5, Upper: 1.5, Confidence: 0.9, ModelName: "tmin.v1",
	}}))
}

func TestBuild(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	r, err := NewBuilder(s, nil).Build(context.Background(), reportDay.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, r.Stations, 1)
	sd := r.Stations[0]
	assert.True(t, sd.Observed)
	assert.Equal(t, -1.2, sd.TempMin)
	assert.Equal(t, 17.0, sd.TempMax)
	assert.Equal(t, 0.5, sd.Precipitation)
	// July 1 to July 15 inclusive.
	assert.Equal(t, 30.0, sd.GDDSeason)
	assert.Equal(t, models.StageDevelopment, sd.Phenology)
	assert.Len(t, sd.Alerts, 1)
	assert.Equal(t, 0.5, sd.Tomorrow[models.VarTempMin].Value)
	assert.Equal(t, 1, r.AlertCount())
}

func TestBuild_NoStations(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := store.New(db, time.UTC, nil)
	require.NoError(t, s.Migrate())

	_, err = NewBuilder(s, nil).Build(context.Background(), reportDay)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	r, err := NewBuilder(s, nil).Build(context.Background(), reportDay)
	require.NoError(t, err)
	r.Narrative = "Heladas esperadas."

	out := string(Render(r))
	assert.Contains(t, out, "# METGO daily bulletin 2024-07-15")
	assert.Contains(t, out, "Heladas esperadas.")
	assert.Contains(t, out, "| Quillota Centro | palto | -1.2 | 17.0 | 8.0 | 0.5 | 30 | development | 1 |")
	assert.Contains(t, out, "- **critical** frost critical at quillota_centro")
	assert.Contains(t, out, "Quillota Centro temperature_min: 0.5 (-0.5 to 1.5, confidence 90%)")
}

func TestSeasonStart(t *testing.T) {
	tests := []struct {
		day  time.Time
		want time.Time
	}{
		{time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, seasonStart(tt.day), tt.day.String())
	}
}

type fixedNarrator struct {
	text string
	err  error
}

func (f fixedNarrator) Narrate(context.Context, *Report) (string, error) { return f.text, f.err }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) (string, error) {
	return "", errors.New("mirror down")
}

func TestService_Run(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	dir := t.TempDir()
	local, err := NewDirPublisher(dir)
	require.NoError(t, err)

	svc := NewService(NewBuilder(s, nil), fixedNarrator{text: "Riesgo de helada."}, local, failingPublisher{})
	locs, err := svc.Run(context.Background(), reportDay)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "metgo-2024-07-15.md")}, locs)

	body, err := os.ReadFile(locs[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "Riesgo de helada.")
}

func TestService_NarratorFailureIsNotFatal(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	local, err := NewDirPublisher(t.TempDir())
	require.NoError(t, err)

	svc := NewService(NewBuilder(s, nil), fixedNarrator{err: errors.New("quota")}, local)
	locs, err := svc.Run(context.Background(), reportDay)
	require.NoError(t, err)
	body, err := os.ReadFile(locs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(body), "quota")
}

func TestPrompt(t *testing.T) {
	r := &Report{Day: reportDay, Stations: []StationDay{{
		Station: quillota, Observed: true, TempMin: -1.2, TempMax: 17, Precipitation: 0, GDDSeason: 30,
		Alerts:   []models.AlertEvent{{Message: "frost critical at quillota_centro"}},
		Tomorrow: map[models.Variable]models.Forecast{models.VarTempMin: {Value: 0.5}},
	}}}
	p := Prompt(r)
	assert.Contains(t, p, "Quillota Centro (palto, stage -): min -1.2, max 17.0")
	assert.Contains(t, p, "Alert: frost critical at quillota_centro.")
	assert.Contains(t, p, "Tomorrow min 0.5.")
}

func TestNewOpenAINarrator_RequiresKey(t *testing.T) {
	_, err := NewOpenAINarrator("", "")
	require.Error(t, err)
}
