package forecast

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/ml"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/provider"
	"github.com/metgo/quillota/internal/store"
	"github.com/metgo/quillota/internal/training"
)

var quillota = models.Station{
	StationID: "quillota_centro", Name: "Quillota Centro", Latitude: -32.8833, Longitude: -71.25,
	Elevation: 150, PrimaryCrop: "palto", MarineInfluence: models.MarineMedium, Active: true,
}

var (
	yearStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	lastDay   = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
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

// trainedForecaster seeds a synthetic year, trains a linear voting model on
// temperature_mean and returns a forecaster anchored after the last day.
func trainedForecaster(t *testing.T, opts Options) (*Forecaster, *store.Store, string) {
	t.Helper()
	s := setupTestStore(t)
	ctx := context.Background()

	series, err := provider.NewSynthetic(42, time.UTC).Fetch(ctx, provider.Request{Station: quillota, From: yearStart, To: lastDay})
	require.NoError(t, err)
	_, err = s.PutBatch(ctx, series.Observations)
	require.NoError(t, err)

	arts, err := training.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	tr := training.NewTrainer(s, arts, training.Options{R2Floor: 0.5, MinSamples: 50, CVFolds: 5, SelectK: 30, Workers: 2, Seed: 42}, nil)
	rec, err := tr.Train(ctx, training.Request{
		Family:     "tmean",
		Target:     models.VarTempMean,
		Kind:       models.KindVoting,
		Algorithms: []string{ml.Ridge, ml.Lasso, ml.ElasticNet},
		To:         lastDay,
	})
	require.NoError(t, err)

	f := NewForecaster(s, training.NewRegistry(s, arts), opts, nil)
	f.now = func() time.Time { return lastDay.Add(12 * time.Hour) }
	return f, s, rec.Name
}

func TestForecast_HorizonUncertainty(t *testing.T) {
	f, s, name := trainedForecaster(t, Options{Strategy: Persistence, DefaultEpistemic: 0.1})
	ctx := context.Background()

	out, err := f.Forecast(ctx, Request{ModelName: name, StationID: quillota.StationID, Horizon: 14})
	require.NoError(t, err)
	require.Len(t, out, 14)

	for i, fc := range out {
		assert.Equal(t, i+1, fc.Horizon)
		assert.Equal(t, lastDay.AddDate(0, 0, i+1), fc.TargetTime)
		assert.GreaterOrEqual(t, fc.Confidence, 0.1)
		assert.InDelta(t, 0.05*fc.Confidence, fc.Aleatoric, 1e-12)
		assert.Equal(t, "persistence", fc.Strategy)
		if i > 0 {
			assert.GreaterOrEqual(t, fc.Width(), out[i-1].Width(), "width at h=%d", fc.Horizon)
		}
	}
	assert.LessOrEqual(t, out[13].Confidence, out[0].Confidence)

	assert.InDelta(t, 1.96*(out[0].Epistemic+out[0].Aleatoric), out[0].Upper-out[0].Value, 1e-9)
	assert.InDelta(t, out[0].Upper-out[0].Value, out[0].Value-out[0].Lower, 1e-9)

	stored, err := s.GetForecasts(ctx, store.ForecastFilter{From: yearStart, To: lastDay.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, stored, "forecasts are pure unless persistence is requested")
}

type fixedSpread struct {
	sd       float64
	ensemble bool
}

func (f fixedSpread) Epistemic([]float64) (float64, bool) { return f.sd, f.ensemble }

func TestEpistemicOf(t *testing.T) {
	tests := []struct {
		name  string
		model fixedSpread
		want  float64
	}{
		{"single model uses default", fixedSpread{0, false}, 0.1},
		{"ensemble spread kept below default", fixedSpread{0.02, true}, 0.02},
		{"unanimous ensemble", fixedSpread{0, true}, 0},
		{"ensemble spread above default", fixedSpread{0.7, true}, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, epistemicOf(tt.model, nil, 0.1))
		})
	}
}

func TestForecast_HorizonZero(t *testing.T) {
	f := NewForecaster(setupTestStore(t), nil, Options{}, nil)
	out, err := f.Forecast(context.Background(), Request{ModelName: "missing", StationID: "x", Horizon: 0})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestForecast_StrategiesAndPersist(t *testing.T) {
	f, s, name := trainedForecaster(t, Options{Strategy: Climatology, DefaultEpistemic: 0.1, Persist: true})
	ctx := context.Background()
	_, err := s.ComputeSeasonalPatterns(ctx, quillota.StationID)
	require.NoError(t, err)

	for _, st := range []Strategy{Climatology, Recursive} {
		out, err := f.Forecast(ctx, Request{ModelName: "tmean", StationID: quillota.StationID, Horizon: 5, Strategy: st})
		require.NoError(t, err, st)
		require.Len(t, out, 5)
		for _, fc := range out {
			assert.Equal(t, string(st), fc.Strategy)
			assert.Equal(t, name, fc.ModelName, "family resolves to the active version")
			assert.False(t, math.IsNaN(fc.Value))
			assert.Less(t, fc.Lower, fc.Upper)
		}
	}

	stored, err := s.GetForecasts(ctx, store.ForecastFilter{From: yearStart, To: lastDay.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Len(t, stored, 5, "same production time, station, target, horizon and model collapse")

	_, err = f.Forecast(ctx, Request{ModelName: name, StationID: quillota.StationID, Horizon: 1, Strategy: "oracle"})
	assert.Equal(t, failure.ConfigInvalid, failure.KindOf(err))
}

func TestForecast_NoHistory(t *testing.T) {
	f, s, name := trainedForecaster(t, Options{Strategy: Persistence, DefaultEpistemic: 0.1})
	other := quillota
	other.StationID = "quillota_norte"
	require.NoError(t, s.UpsertStation(context.Background(), other))

	_, err := f.Forecast(context.Background(), Request{ModelName: name, StationID: "quillota_norte", Horizon: 3})
	assert.Equal(t, failure.InsufficientData, failure.KindOf(err))
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		h, horizon int
		want       float64
	}{
		{1, 14, 1 - 0.6/14},
		{7, 14, 0.7},
		{14, 14, 0.4},
		{10, 5, 0.1},
		{1, 0, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.h, tt.horizon), 1e-12, "h=%d H=%d", tt.h, tt.horizon)
	}
}

func TestVerifier(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var obs []models.Observation
	var fcs []models.Forecast
	for i := 0; i < 6; i++ {
		ts := day.AddDate(0, 0, i)
		obs = append(obs, models.Observation{StationID: quillota.StationID, Timestamp: ts,
			TempMin: nf(5), TempMean: nf(10), TempMax: nf(15), Provenance: "openmeteo"})
		fcs = append(fcs, models.Forecast{ProducedAt: ts.AddDate(0, 0, -1), TargetTime: ts, StationID: quillota.StationID,
			Target: models.VarTempMean, Horizon: 1, Value: 12, Lower: 11, Upper: 13, Confidence: 0.9, ModelName: "m.v1"})
	}
	for i := 0; i < 2; i++ {
		ts := day.AddDate(0, 0, i)
		fcs = append(fcs, models.Forecast{ProducedAt: ts.AddDate(0, 0, -2), TargetTime: ts, StationID: quillota.StationID,
			Target: models.VarTempMean, Horizon: 2, Value: 10, Lower: 9, Upper: 11, Confidence: 0.8, ModelName: "m.v1"})
	}
	// No observation for this target time.
	fcs = append(fcs, models.Forecast{ProducedAt: day, TargetTime: day.AddDate(0, 0, 20), StationID: quillota.StationID,
		Target: models.VarTempMean, Horizon: 3, Value: 1, Lower: 0, Upper: 2, ModelName: "m.v1"})

	_, err := s.PutBatch(ctx, obs)
	require.NoError(t, err)
	require.NoError(t, s.SaveForecasts(ctx, fcs))

	v := NewVerifier(s)
	acc, err := v.Verify(ctx, "m.v1", day, day.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, acc, 2)

	assert.Equal(t, 1, acc[0].Horizon)
	assert.Equal(t, 6, acc[0].Samples)
	assert.InDelta(t, 2.0, acc[0].Bias, 1e-12)
	assert.InDelta(t, 2.0, acc[0].MAE, 1e-12)
	assert.Zero(t, acc[0].Coverage)

	assert.Equal(t, 2, acc[1].Horizon)
	assert.Zero(t, acc[1].Bias)
	assert.Equal(t, 1.0, acc[1].Coverage)

	corr, err := v.Corrections(ctx, "m.v1", 30, day.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 2.0}, corr)
}

func TestCapCorrection(t *testing.T) {
	tests := []struct {
		name       string
		correction float64
		limit      float64
		want       float64
	}{
		{"within positive limit", 3.0, 4.0, 3.0},
		{"within negative limit", -3.0, 4.0, -3.0},
		{"at limit", 4.0, 4.0, 4.0},
		{"exceeds positive limit", 12.0, 4.0, 4.0},
		{"exceeds negative limit", -12.0, 4.0, -4.0},
		{"zero correction", 0.0, 4.0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, capCorrection(tt.correction, tt.limit))
		})
	}
}
