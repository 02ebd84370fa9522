package store

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := New(db, time.UTC, nil)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.UpsertStation(context.Background(), models.Station{
		StationID: "quillota_centro", Name: "Quillota Centro", Region: "quillota",
		Latitude: -32.8833, Longitude: -71.25, Elevation: 150, PrimaryCrop: "palto",
		MarineInfluence: models.MarineMedium, Active: true,
	}))
	return store
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func dailyObs(station string, day time.Time, mean float64) models.Observation {
	return models.Observation{
		StationID:  station,
		Timestamp:  day,
		TempMax:    nf(mean + 6),
		TempMin:    nf(mean - 6),
		TempMean:   nf(mean),
		Humidity:   nf(70),
		Provenance: "openmeteo",
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Migrate())

	v, err := store.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestUpsertStation_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertStation(ctx, models.Station{
		StationID: "quillota_centro", Name: "Quillota", Latitude: -32.88, Longitude: -71.25, Active: false,
	}))

	st, err := store.GetStation(ctx, "quillota_centro")
	require.NoError(t, err)
	assert.Equal(t, "Quillota", st.Name)

	active, err := store.GetStations(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = store.GetStation(ctx, "nowhere")
	assert.Equal(t, failure.NotFound, failure.KindOf(err))
}

func TestPutBatch_InsertThenIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 7, 15, 6, 0, 0, 0, time.UTC)

	batch := []models.Observation{
		dailyObs("quillota_centro", day.AddDate(0, 0, 1), 12),
		dailyObs("quillota_centro", day, 10),
	}
	res, err := store.PutBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	batch[0].Provenance = "openweathermap"
	res, err = store.PutBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, PutResult{Unchanged: 2}, res)

	got, err := store.GetRange(ctx, "quillota_centro", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp), "ascending order")
	assert.Equal(t, "openweathermap", got[1].Provenance, "provenance refreshes on re-ingest")

	n, err := store.CountObservations(ctx, "quillota_centro")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPutBatch_ReplaceRecordsRevision(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

	_, err := store.PutBatch(ctx, []models.Observation{dailyObs("quillota_centro", day, 10)})
	require.NoError(t, err)

	changed := dailyObs("quillota_centro", day, 11)
	changed.VariableProvenance = map[models.Variable]string{models.VarTempMean: "openmeteo"}
	res, err := store.PutBatch(ctx, []models.Observation{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	revs, err := store.Revisions(ctx, "quillota_centro", day)
	require.NoError(t, err)
	assert.Equal(t, 1, revs)

	latest, err := store.Latest(ctx, "quillota_centro")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 11.0, latest.TempMean.Float64)
	assert.Equal(t, "openmeteo", latest.VariableProvenance[models.VarTempMean])
}

func TestLatest_Empty(t *testing.T) {
	store := setupTestStore(t)
	o, err := store.Latest(context.Background(), "quillota_centro")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestAggregate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC)

	var batch []models.Observation
	for i := 0; i < 4; i++ {
		batch = append(batch, dailyObs("quillota_centro", start.AddDate(0, 0, i), float64(10+i)))
	}
	_, err := store.PutBatch(ctx, batch)
	require.NoError(t, err)

	tests := []struct {
		name   string
		bucket Bucket
		fn     AggFunc
		p      float64
		want   []float64
	}{
		{"monthly mean", BucketMonth, AggMean, 0, []float64{10.5, 12.5}},
		{"monthly max", BucketMonth, AggMax, 0, []float64{11, 13}},
		{"daily sum", BucketDay, AggSum, 0, []float64{10, 11, 12, 13}},
		{"monthly min", BucketMonth, AggMin, 0, []float64{10, 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pts, err := store.Aggregate(ctx, AggregateQuery{
				StationID: "quillota_centro", Variable: models.VarTempMean,
				From: start, To: start.AddDate(0, 0, 10), Bucket: tt.bucket, Func: tt.fn, Percentile: tt.p,
			})
			require.NoError(t, err)
			var got []float64
			for _, p := range pts {
				got = append(got, p.Value)
			}
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}

	_, err = store.Aggregate(ctx, AggregateQuery{StationID: "quillota_centro", Func: AggPercentile, Percentile: 120})
	assert.Equal(t, failure.ValidationRejected, failure.KindOf(err))
}

func TestPutIndices_RequiresObservation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

	err := store.PutIndices(ctx, []models.DerivedIndex{{StationID: "quillota_centro", Timestamp: day}})
	assert.Error(t, err, "orphan index rows are rejected")

	_, err = store.PutBatch(ctx, []models.Observation{dailyObs("quillota_centro", day, 18)})
	require.NoError(t, err)
	row := models.DerivedIndex{StationID: "quillota_centro", Timestamp: day, GDDDaily: 8, Phenology: models.StageDormancy}
	require.NoError(t, store.PutIndices(ctx, []models.DerivedIndex{row}))
	require.NoError(t, store.PutIndices(ctx, []models.DerivedIndex{row}))

	got, err := store.GetIndices(ctx, "quillota_centro", day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, row, got[0])

	orphans, err := store.OrphanIndices(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestModelRecords_VersionAndActivePointer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, err := store.NextModelVersion(ctx, "tmean_voting")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	rec := models.ModelRecord{
		Name: "tmean_voting.v1", Family: "tmean_voting", Version: 1, Target: models.VarTempMean,
		Kind: models.KindVoting, BaseModels: []string{"bagging", "boosting"}, Weights: []float64{0.4, 0.6},
		Features: []string{"month", "doy_sin"}, Metrics: models.ModelMetrics{CVR2Mean: 0.9, RMSE: 1.1},
		CreatedAt: time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveModelRecord(ctx, rec, true))

	err = store.SaveModelRecord(ctx, rec, true)
	assert.Equal(t, failure.StoreConflict, failure.KindOf(err), "records are write-once")

	rec2 := rec
	rec2.Name, rec2.Version = "tmean_voting.v2", 2
	require.NoError(t, store.SaveModelRecord(ctx, rec2, false))

	active, err := store.ActiveModel(ctx, "tmean_voting")
	require.NoError(t, err)
	assert.Equal(t, "tmean_voting.v1", active.Name)
	assert.Equal(t, []float64{0.4, 0.6}, active.Weights)
	assert.True(t, active.Active)

	require.NoError(t, store.Activate(ctx, "tmean_voting.v2"))
	active, err = store.ActiveModel(ctx, "tmean_voting")
	require.NoError(t, err)
	assert.Equal(t, "tmean_voting.v2", active.Name)

	all, err := store.ListModelRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Active)

	_, err = store.ActiveModel(ctx, "missing")
	assert.Equal(t, failure.NotFound, failure.KindOf(err))
}

func TestForecasts_SaveTwiceIsNoop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	produced := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

	fs := []models.Forecast{
		{ProducedAt: produced, TargetTime: produced.AddDate(0, 0, 1), StationID: "quillota_centro",
			Target: models.VarTempMean, Horizon: 1, Value: 12, Lower: 11, Upper: 13, Confidence: 0.96, ModelName: "m.v1"},
	}
	require.NoError(t, store.SaveForecasts(ctx, fs))
	require.NoError(t, store.SaveForecasts(ctx, fs))

	got, err := store.GetForecasts(ctx, ForecastFilter{From: produced, To: produced.AddDate(0, 0, 5)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Width())
}

func TestAlertEvents_DispatchLogAndStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 6, 0, 0, 0, time.UTC)

	ev := models.AlertEvent{
		ID: "ev-1", RuleID: "frost", Kind: models.AlertFrost, Severity: models.SeverityCritical,
		StationID: "quillota_centro", TriggeredAt: now, Values: map[string]float64{"temperature_min": -1.2},
		DedupKey: models.DedupKey(models.AlertFrost, "quillota_centro", models.SeverityCritical, now),
		Audience: []string{"agricultural"}, Source: "observation", CreatedAt: now,
		Dispatches: []models.ChannelDispatch{
			{Channel: models.ChannelMessaging, Recipient: "ops", Status: models.DispatchSent, Attempts: 1, At: now},
		},
	}
	require.NoError(t, store.SaveAlertEvent(ctx, ev))
	require.NoError(t, store.RecordDispatches(ctx, ev.ID, []models.ChannelDispatch{
		{Channel: models.ChannelEmail, Recipient: "ops", Status: models.DispatchThrottled, At: now},
	}))

	last, ok, err := store.LastEventForKey(ctx, ev.DedupKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(now))

	events, err := store.GetAlertEvents(ctx, AlertFilter{Since: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Dispatches, 2)
	assert.Equal(t, -1.2, events[0].Values["temperature_min"])

	stats, err := store.NotificationStats(ctx, 7, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []NotificationStat{
		{Channel: models.ChannelEmail, Status: models.DispatchThrottled, Count: 1},
		{Channel: models.ChannelMessaging, Status: models.DispatchSent, Count: 1},
	}, stats)
}

func TestRawPayload_RoundTripAndDedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartIngestRun(ctx, "openmeteo", "historical", "quillota_centro")
	require.NoError(t, err)

	payload := []byte(`{"daily":{"time":["2024-07-15"],"temperature_2m_max":[10.5]}}`)
	id, err := store.StoreRawPayload(ctx, run.ID, "openmeteo", "historical", "quillota_centro", payload)
	require.NoError(t, err)
	require.NotZero(t, id)

	dup, err := store.StoreRawPayload(ctx, run.ID, "openmeteo", "historical", "quillota_centro", payload)
	require.NoError(t, err)
	assert.Zero(t, dup)

	got, err := store.GetRawPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	run.Success = true
	run.RecordsStored = sql.NullInt64{Int64: 1, Valid: true}
	require.NoError(t, store.CompleteIngestRun(ctx, run))

	health, err := store.GetIngestHealth(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, 1, health[0].SuccessRuns)
}

func TestSeasonalPatterns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var batch []models.Observation
	for d := 0; d < 31; d++ {
		batch = append(batch, dailyObs("quillota_centro", time.Date(2024, 1, 1+d, 0, 0, 0, 0, time.UTC), 20))
	}
	_, err := store.PutBatch(ctx, batch)
	require.NoError(t, err)

	patterns, err := store.ComputeSeasonalPatterns(ctx, "quillota_centro")
	require.NoError(t, err)
	assert.NotEmpty(t, patterns)

	got, err := store.GetSeasonalPatterns(ctx, "quillota_centro")
	require.NoError(t, err)
	jan := got[1][models.VarTempMean]
	assert.Equal(t, 20.0, jan.Mean)
	assert.Equal(t, 31, jan.Samples)
	assert.Zero(t, jan.Std)
	_, ok := got[2]
	assert.False(t, ok)
}

func TestExportParquet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

	_, err := store.PutBatch(ctx, []models.Observation{dailyObs("quillota_centro", day, 18)})
	require.NoError(t, err)
	require.NoError(t, store.PutIndices(ctx, []models.DerivedIndex{{StationID: "quillota_centro", Timestamp: day, GDDDaily: 8}}))

	var buf bytes.Buffer
	n, err := store.ExportParquet(ctx, &buf, "quillota_centro", day, day)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := parquet.Read[ExportRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].GDDDaily)
	assert.Equal(t, 8.0, *rows[0].GDDDaily)
	assert.Nil(t, rows[0].Pressure)
}

func TestDataQuality(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordDataQuality(ctx, DataQuality{
		StationID: "quillota_centro", CheckedAt: now, WindowStart: now, WindowEnd: now,
		Total: 10, Valid: 7, Rejected: 3, RejectionRate: 0.3, Reasons: map[string]int{"humidity_range": 3},
	}))
	got, err := store.GetDataQuality(ctx, "quillota_centro", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Reasons["humidity_range"])
}
