package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/provider"
)

func syntheticYear(t *testing.T, station string) []models.Observation {
	t.Helper()
	p := provider.NewSynthetic(42, time.UTC)
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := p.Fetch(context.Background(), provider.Request{
		Station: models.Station{StationID: station, Latitude: -32.88, Elevation: 150, MarineInfluence: models.MarineMedium},
		From:    from, To: from.AddDate(0, 0, 364),
	})
	require.NoError(t, err)
	return s.Observations
}

func TestCandidateNames_NoTargetLeak(t *testing.T) {
	names := CandidateNames(models.VarTempMean, []string{"a", "b"})
	assert.NotContains(t, names, "temperature_mean")
	assert.NotContains(t, names, "temp_x_humidity")
	assert.Contains(t, names, "thermal_amplitude")
	assert.Contains(t, names, "temperature_mean_roll7_mean")
	assert.Contains(t, names, "temperature_mean_diff14")
	assert.Contains(t, names, "doy_sin")
	assert.Contains(t, names, "station_b")

	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate column %s", n)
		seen[n] = true
	}
}

func TestFScores_RanksInformativeColumn(t *testing.T) {
	X := [][]float64{{1, 5, 3}, {2, 5, 1}, {3, 5, 4}, {4, 5, 1}, {5, 5, 5}}
	y := []float64{2.1, 3.9, 6.2, 8.0, 9.9}
	scores := FScores(X, y)
	assert.Greater(t, scores[0], scores[2])
	assert.Equal(t, 0.0, scores[1])
	assert.Equal(t, []int{0, 2}, TopK(scores, 2))
	assert.Equal(t, []int{0, 1, 2}, TopK(scores, 10))
}

func TestFit_SelectsKAndImputes(t *testing.T) {
	obs := syntheticYear(t, "quillota_centro")
	recipe, m, err := Builder{K: 20}.Fit(map[string][]models.Observation{"quillota_centro": obs}, models.VarTempMean)
	require.NoError(t, err)

	assert.Len(t, recipe.Columns, 20)
	assert.Equal(t, 365, m.Len())
	assert.Len(t, recipe.Means, 20)
	for _, row := range m.X {
		require.Len(t, row, 20)
		for _, v := range row {
			assert.False(t, math.IsNaN(v))
		}
	}
	assert.NotContains(t, recipe.Columns, "temperature_mean")
	// The extremes bracket the mean, so they are the strongest predictors.
	assert.Contains(t, recipe.Columns, "temperature_max")
	assert.Contains(t, recipe.Columns, "temperature_min")
}

func TestFit_DefaultK(t *testing.T) {
	obs := syntheticYear(t, "s")[:60]
	recipe, _, err := Builder{}.Fit(map[string][]models.Observation{"s": obs}, models.VarHumidity)
	require.NoError(t, err)
	assert.Len(t, recipe.Columns, DefaultK)
}

func TestRecipeRow_MatchesTrainingRow(t *testing.T) {
	obs := syntheticYear(t, "s")
	recipe, m, err := Builder{K: 30}.Fit(map[string][]models.Observation{"s": obs}, models.VarTempMin)
	require.NoError(t, err)

	for _, i := range []int{0, 5, 40, 200, 364} {
		row, err := recipe.Row("s", obs[:i], obs[i])
		require.NoError(t, err)
		assert.InDeltaSlice(t, m.X[i], row, 1e-9, "row %d", i)
	}
}

func TestFit_MultiStationTimeOrdered(t *testing.T) {
	a := syntheticYear(t, "a")[:30]
	b := syntheticYear(t, "b")[:30]
	_, m, err := Builder{K: 10}.Fit(map[string][]models.Observation{"a": a, "b": b}, models.VarTempMax)
	require.NoError(t, err)
	assert.Equal(t, 60, m.Len())
	for i := 1; i < m.Len(); i++ {
		assert.False(t, m.Times[i].Before(m.Times[i-1]))
	}
	sub := m.Subset([]int{0, 2})
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, m.Y[2], sub.Y[1])
}

func TestFit_NoTargetValues(t *testing.T) {
	obs := []models.Observation{{StationID: "s", Timestamp: time.Now()}}
	_, _, err := Builder{}.Fit(map[string][]models.Observation{"s": obs}, models.VarUVIndex)
	assert.Equal(t, failure.InsufficientData, failure.KindOf(err))
}
