package indices

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func defaultCalculator(t *testing.T) *Calculator {
	t.Helper()
	crops, err := CropsFromConfig(config.Default())
	require.NoError(t, err)
	return NewCalculator(time.UTC, crops)
}

var palto = models.Station{StationID: "quillota_centro", PrimaryCrop: "palto", Active: true}

func TestFrostBase(t *testing.T) {
	tests := []struct {
		margin float64
		want   float64
	}{
		{-3.2, 0.9},
		{-2, 0.9},
		{-1.9, 0.7},
		{0, 0.7},
		{1.5, 0.4},
		{2, 0.4},
		{4.9, 0.2},
		{5, 0.2},
		{5.1, 0.05},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrostBase(tt.margin), "margin %v", tt.margin)
	}
}

func TestFrostRisk_PhenologyFactorClipped(t *testing.T) {
	assert.Equal(t, 1.0, FrostRisk(-5, 0, StageFlowering))
	assert.InDelta(t, 0.91, FrostRisk(-1, 0, StageSet), 1e-9)
	assert.InDelta(t, 0.6, FrostRisk(1, 0, StageBudbreak), 1e-9)
	assert.Equal(t, 0.05, FrostRisk(20, 0, StageHarvest))
}

func TestFrostRisk_CropThresholdShiftsBreakpoints(t *testing.T) {
	tests := []struct {
		name     string
		tmin     float64
		critical float64
		want     float64
	}{
		{"neutral crop on absolute scale", -1.2, 0, 0.7},
		{"palto damaged above zero", -1.2, 2, 0.9},
		{"palto warning band", 3, 2, 0.4},
		{"citricos tolerate light frost", -1.2, -2, 0.4},
		{"nogal below critical", -5.5, -3, 0.9},
		{"nogal above critical", -2.5, -3, 0.4},
		{"cereales clear night", 4, -2, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FrostRisk(tt.tmin, tt.critical, StageHarvest))
		})
	}
}

func TestFormulas(t *testing.T) {
	assert.Equal(t, 8.0, GDD(18))
	assert.Equal(t, 0.0, GDD(7))
	assert.InDelta(t, 22.7, HeatIndex(20, 80), 1e-9)
	assert.InDelta(t, 18.6, WindChill(20, 4), 1e-9)
	assert.InDelta(t, 14.0, DewPoint(20, 70), 1e-9)
	assert.Equal(t, 0.0, HeatStress(29))
	assert.InDelta(t, 0.5, HeatStress(35), 1e-9)
	assert.Equal(t, 1.0, HeatStress(45))
	// 10*3 + 20*0.5 + 5*2
	assert.InDelta(t, 50.0, WaterStress(35, 40, 0), 1e-9)
	assert.Equal(t, 100.0, WaterStress(60, 0, 0))
	assert.Equal(t, 0.0, WaterStress(20, 80, 10))
}

func TestDrought(t *testing.T) {
	tests := []struct {
		precip float64
		want   float64
	}{
		{0, -2}, {0.5, -1.5}, {3, -1}, {7, -0.5}, {15, 0}, {30, 0.5}, {60, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Drought(tt.precip), "precip %v", tt.precip)
	}
}

func TestChillHours(t *testing.T) {
	assert.Equal(t, 24.0, ChillHours(0, 6))
	assert.Equal(t, 0.0, ChillHours(8, 20))
	h := ChillHours(2, 14)
	assert.Greater(t, h, 0.0)
	assert.Less(t, h, 24.0)
	// Symmetric cycle around the threshold spends half the day below it.
	assert.InDelta(t, 12.0, ChillHours(1, 13), 1.0)
}

func TestGrowthAndYieldOptimal(t *testing.T) {
	assert.InDelta(t, 1.0, Growth(20, 1000, 12.5), 1e-9)
	assert.InDelta(t, 1.0, Yield(22, 900, 10), 1e-9)
	assert.InDelta(t, 0.0, Growth(40, 0, 40), 1e-9)
}

func TestPhenologyTable(t *testing.T) {
	table, err := NewPhenologyTable([]config.PhenologySpan{
		{From: 11, To: 2, Stage: "flowering"},
		{From: 3, To: 10, Stage: "dormancy"},
	})
	require.NoError(t, err)
	assert.Equal(t, StageFlowering, table.At(time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC), time.UTC))
	assert.Equal(t, StageFlowering, table.At(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.UTC))
	assert.Equal(t, StageDormancy, table.At(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), time.UTC))

	_, err = NewPhenologyTable([]config.PhenologySpan{{From: 1, To: 6, Stage: "dormancy"}})
	assert.ErrorContains(t, err, "month 7")

	_, err = NewPhenologyTable([]config.PhenologySpan{{From: 1, To: 12, Stage: "sleeping"}})
	assert.ErrorContains(t, err, "unknown stage")
}

// A -1.2 °C minimum at a palto station in July is a near-certain frost.
func TestCompute_FrostAtQuillota(t *testing.T) {
	calc := defaultCalculator(t)
	o := models.Observation{
		StationID:     "quillota_centro",
		Timestamp:     time.Date(2024, 7, 15, 6, 0, 0, 0, time.UTC),
		TempMin:       nf(-1.2),
		TempMean:      nf(3.0),
		TempMax:       nf(10.5),
		Humidity:      nf(78),
		Precipitation: nf(0),
	}
	idx := calc.Compute(palto, o)
	assert.GreaterOrEqual(t, idx.FrostRisk, 0.9)
	assert.Equal(t, StageHarvest, idx.Phenology)
	assert.Equal(t, 0.0, idx.GDDDaily)
	assert.Greater(t, idx.ChillHoursDaily, 12.0)
	assert.Equal(t, -2.0, idx.DroughtIdx)
}

func TestCompute_GDDAccumulation(t *testing.T) {
	calc := defaultCalculator(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var sum float64
	for i := 0; i < 10; i++ {
		o := models.Observation{StationID: "quillota_centro", Timestamp: start.AddDate(0, 0, i), TempMean: nf(18)}
		idx := calc.Compute(palto, o)
		sum += idx.GDDDaily
		assert.Equal(t, 0.0, idx.ChillHoursDaily)
	}
	assert.InDelta(t, 80.0, sum, 1e-9)
}

func TestCompute_UnknownCropIsNeutral(t *testing.T) {
	calc := defaultCalculator(t)
	st := models.Station{StationID: "x", PrimaryCrop: "quinoa"}
	idx := calc.Compute(st, models.Observation{StationID: "x", TempMin: nf(-1.2), TempMean: nf(3)})
	assert.Equal(t, 0.7, idx.FrostRisk)
	assert.Equal(t, StageDormancy, idx.Phenology)
}

func setupEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, time.UTC, nil)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.UpsertStation(context.Background(), palto))
	return NewEngine(s, defaultCalculator(t), nil), s
}

func TestEngine_RecomputeIdempotent(t *testing.T) {
	engine, s := setupEngine(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var batch []models.Observation
	for i := 0; i < 10; i++ {
		batch = append(batch, models.Observation{
			StationID: "quillota_centro", Timestamp: start.AddDate(0, 0, i),
			TempMin: nf(12), TempMean: nf(18), TempMax: nf(24), Humidity: nf(60), Provenance: "openmeteo",
		})
	}
	_, err := s.PutBatch(ctx, batch)
	require.NoError(t, err)

	end := start.AddDate(0, 0, 9)
	res, err := engine.Recompute(ctx, "quillota_centro", start, end)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Indices)

	first, err := s.GetIndices(ctx, "quillota_centro", start, end)
	require.NoError(t, err)

	_, err = engine.Recompute(ctx, "quillota_centro", start, end)
	require.NoError(t, err)
	second, err := s.GetIndices(ctx, "quillota_centro", start, end)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var gdd float64
	for _, r := range second {
		gdd += r.GDDDaily
	}
	assert.InDelta(t, 80.0, gdd, 1e-9)

	orphans, err := s.OrphanIndices(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestDetectExtremes(t *testing.T) {
	patterns := map[int]map[models.Variable]store.SeasonalPattern{
		7: {models.VarTempMin: {Mean: 5, Std: 2, Samples: 100}},
	}
	obs := []models.Observation{
		{StationID: "s", Timestamp: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), TempMin: nf(-2)},
		{StationID: "s", Timestamp: time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC), TempMin: nf(4)},
		{StationID: "s", Timestamp: time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC), TempMin: nf(-10)},
	}
	events := DetectExtremes(obs, patterns, time.UTC)
	require.Len(t, events, 1)
	assert.Equal(t, "low", events[0].Kind)
	assert.InDelta(t, -3.5, events[0].Deviation, 1e-9)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
}
