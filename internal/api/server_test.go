package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

var (
	now      = time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	quillota = models.Station{
		StationID: "quillota_centro", Name: "Quillota Centro", Latitude: -32.8833, Longitude: -71.25,
		Elevation: 150, PrimaryCrop: "palto", MarineInfluence: models.MarineMedium, Active: true,
	}
)

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

func newServer(t *testing.T, s *store.Store) *Server {
	t.Helper()
	srv := NewServer(s, nil)
	srv.now = func() time.Time { return now }
	return srv
}

func get(t *testing.T, srv *Server, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func seedDays(t *testing.T, s *store.Store, n int) {
	t.Helper()
	var obs []models.Observation
	for i := 0; i < n; i++ {
		obs = append(obs, models.Observation{
			StationID: quillota.StationID, Timestamp: now.Truncate(24*time.Hour).AddDate(0, 0, -i),
			Provenance: "openmeteo", TempMin: nf(float64(i)), TempMax: nf(20 + float64(i)), Humidity: nf(70),
		})
	}
	_, err := s.PutBatch(context.Background(), obs)
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := newServer(t, s)

	var h HealthStatus
	w := get(t, srv, "/health", &h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", h.Status, "no observations yet")
	require.Len(t, h.Stations, 1)
	assert.True(t, h.Stations[0].Stale)
	assert.Positive(t, h.MigrationVersion)

	seedDays(t, s, 1)
	w = get(t, srv, "/health", &h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 720, h.Stations[0].AgeMinutes)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	w := get(t, newServer(t, setupTestStore(t)), "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStations(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	retired := quillota
	retired.StationID, retired.Active = "old", false
	require.NoError(t, s.UpsertStation(context.Background(), retired))
	srv := newServer(t, s)

	var active []StationView
	get(t, srv, "/api/stations", &active)
	require.Len(t, active, 1)
	assert.Equal(t, "quillota_centro", active[0].ID)

	var all []StationView
	get(t, srv, "/api/stations?all=true", &all)
	assert.Len(t, all, 2)
}

func TestStation_LatestAndNotFound(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedDays(t, s, 3)
	srv := newServer(t, s)

	var v StationView
	w := get(t, srv, "/api/stations/quillota_centro", &v)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, v.Latest)
	assert.Equal(t, 0.0, v.Latest.Values[models.VarTempMin])
	assert.NotContains(t, v.Latest.Values, models.VarPressure)

	w = get(t, srv, "/api/stations/nowhere/observations", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"not_found"`)
}

func TestObservations_Window(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedDays(t, s, 10)
	srv := newServer(t, s)

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"default week", "", http.StatusOK, 7},
		{"explicit dates", "?from=2024-07-10&to=2024-07-12", http.StatusOK, 3},
		{"rfc3339", "?from=2024-07-14T00:00:00Z&to=2024-07-15T00:00:00Z", http.StatusOK, 2},
		{"bad time", "?from=yesterday", http.StatusBadRequest, 0},
		{"inverted", "?from=2024-07-12&to=2024-07-10", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out []ObservationView
			w := get(t, srv, "/api/stations/quillota_centro/observations"+tt.query, &out)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status == http.StatusOK {
				assert.Len(t, out, tt.count)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedDays(t, s, 5)
	srv := newServer(t, s)

	var v AggregateView
	w := get(t, srv, "/api/stations/quillota_centro/aggregate?variable=temperature_max&func=max&from=2024-07-11&to=2024-07-15", &v)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, store.BucketDay, v.Bucket)
	require.Len(t, v.Points, 5)
	assert.Equal(t, 24.0, v.Points[0].Value)

	w = get(t, srv, "/api/stations/quillota_centro/aggregate?variable=snow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = get(t, srv, "/api/stations/quillota_centro/aggregate?variable=humidity&func=percentile&p=150", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndices(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedDays(t, s, 1)
	require.NoError(t, s.PutIndices(context.Background(), []models.DerivedIndex{
		{StationID: quillota.StationID, Timestamp: now.Truncate(24 * time.Hour), GDDDaily: 4.5, Phenology: models.StageDormancy},
	}))
	var out []IndexView
	w := get(t, newServer(t, s), "/api/stations/quillota_centro/indices", &out)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out, 1)
	assert.Equal(t, 4.5, out[0].GDD)
	assert.Equal(t, models.StageDormancy, out[0].Phenology)
}

func TestForecasts(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	require.NoError(t, s.SaveForecasts(context.Background(), []models.Forecast{
		{ProducedAt: now, TargetTime: now.AddDate(0, 0, 1), StationID: quillota.StationID, Target: models.VarTempMin,
			Horizon: 1, Value: 1.5, Lower: 0.5, Upper: 2.5, Confidence: 0.9, ModelName: "tmin.v1"},
		{ProducedAt: now, TargetTime: now.AddDate(0, 0, 1), StationID: quillota.StationID, Target: models.VarTempMax,
			Horizon: 1, Value: 21, Lower: 19, Upper: 23, Confidence: 0.9, ModelName: "tmax.v1"},
		{ProducedAt: now.AddDate(0, 0, -4), TargetTime: now.AddDate(0, 0, -3), StationID: quillota.StationID, Target: models.VarTempMin,
			Horizon: 1, Value: 3, Lower: 2, Upper: 4, Confidence: 0.9, ModelName: "tmin.v1"},
	}))
	srv := newServer(t, s)

	var out []ForecastView
	get(t, srv, "/api/forecasts?station=quillota_centro&target=temperature_min", &out)
	require.Len(t, out, 1)
	assert.Equal(t, 1.5, out[0].Value)
	assert.Equal(t, "tmin.v1", out[0].Model)

	get(t, srv, "/api/forecasts?from=2024-07-01&to=2024-07-31", &out)
	assert.Len(t, out, 3)

	w := get(t, srv, "/api/forecasts?target=rainbow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertsAndNotificationStats(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	ev := models.AlertEvent{
		ID: "e1", RuleID: "frost/quillota_centro", Kind: models.AlertFrost, Severity: models.SeverityCritical,
		StationID: quillota.StationID, TriggeredAt: now.Add(-time.Hour), Values: map[string]float64{"temperature_min": -1.2},
		Message: "frost critical", DedupKey: "k1", Source: "observation", CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.SaveAlertEvent(ctx, ev))
	require.NoError(t, s.RecordDispatches(ctx, "e1", []models.ChannelDispatch{
		{Channel: models.ChannelEmail, Recipient: "ana", Status: models.DispatchSent, Attempts: 1, At: now.Add(-time.Hour)},
		{Channel: models.ChannelSMS, Recipient: "ana", Status: models.DispatchFailed, Attempts: 3, Error: "502", At: now.Add(-time.Hour)},
	}))
	srv := newServer(t, s)

	var alerts []AlertView
	w := get(t, srv, "/api/alerts?station=quillota_centro&kind=frost", &alerts)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, alerts, 1)
	assert.Equal(t, "frost/quillota_centro", alerts[0].Rule)
	assert.Len(t, alerts[0].Dispatches, 2)

	get(t, srv, "/api/alerts?kind=heat", &alerts)
	assert.Empty(t, alerts)

	w = get(t, srv, "/api/alerts?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var stats []store.NotificationStat
	w = get(t, srv, "/api/notifications/stats?days=7", &stats)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, stats, 2)
}

func TestEmptyCollectionsEncodeAsArrays(t *testing.T) {
	t.Parallel()
	srv := newServer(t, setupTestStore(t))
	for _, path := range []string{
		"/api/models",
		"/api/alerts",
		"/api/notifications/stats",
		"/api/ingest/health",
		"/api/stations/quillota_centro/extremes",
		"/api/stations/quillota_centro/quality",
	} {
		w := get(t, srv, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()), path)
	}
}
