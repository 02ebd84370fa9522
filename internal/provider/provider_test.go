package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

var clt = time.FixedZone("CLT", -4*3600)

func quillota() models.Station {
	return models.Station{
		StationID:       "quillota_centro",
		Latitude:        -32.8833,
		Longitude:       -71.25,
		Elevation:       150,
		PrimaryCrop:     "palto",
		MarineInfluence: models.MarineMedium,
		Active:          true,
	}
}

func TestOpenMeteo_Normalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-07-15", r.URL.Query().Get("start_date"))
		assert.Equal(t, "2024-07-16", r.URL.Query().Get("end_date"))
		assert.Equal(t, "-32.8833", r.URL.Query().Get("latitude"))
		w.Write([]byte(`{
			"latitude": -32.88, "longitude": -71.25,
			"daily": {
				"time": ["2024-07-15", "2024-07-16"],
				"temperature_2m_max": [10.5, 12.0],
				"temperature_2m_min": [-1.2, null],
				"temperature_2m_mean": [3.0, 6.0],
				"relative_humidity_2m_mean": [78, 70],
				"precipitation_sum": [0, 2.5],
				"shortwave_radiation_sum": [8.64, 4.32]
			}
		}`))
	}))
	defer srv.Close()

	p := NewOpenMeteo(config.ProviderConfig{Name: OpenMeteo, BaseURL: srv.URL, TimeoutS: 5}, clt)
	from := time.Date(2024, 7, 15, 0, 0, 0, 0, clt)
	s, err := p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, s.Observations, 2)
	require.Len(t, s.Payloads, 1)
	assert.Equal(t, http.StatusOK, s.Payloads[0].Status)

	first := s.Observations[0]
	assert.Equal(t, time.Date(2024, 7, 15, 4, 0, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.Equal(t, OpenMeteo, first.Provenance)
	assert.InDelta(t, -1.2, first.TempMin.Float64, 1e-9)
	assert.InDelta(t, 100.0, first.Radiation.Float64, 1e-9)
	assert.Equal(t, models.RadiationWm2, first.RadiationUnit)
	assert.False(t, first.WindSpeed.Valid)

	assert.False(t, s.Observations[1].TempMin.Valid)
}

func TestOpenMeteo_MismatchedColumnsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"daily":{"time":["2024-07-15","2024-07-16"],"temperature_2m_max":[10.5]}}`))
	}))
	defer srv.Close()

	p := NewOpenMeteo(config.ProviderConfig{Name: OpenMeteo, BaseURL: srv.URL, TimeoutS: 5}, clt)
	from := time.Date(2024, 7, 15, 0, 0, 0, 0, clt)
	_, err := p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from.AddDate(0, 0, 1)})
	assert.Equal(t, failure.Malformed, failure.KindOf(err))
}

func TestOpenMeteo_RangeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":true,"reason":"Parameter 'start_date' is out of allowed range"}`))
	}))
	defer srv.Close()

	p := NewOpenMeteo(config.ProviderConfig{Name: OpenMeteo, BaseURL: srv.URL, TimeoutS: 5}, clt)
	from := time.Date(1900, 1, 1, 0, 0, 0, 0, clt)
	_, err := p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from})
	assert.Equal(t, failure.RangeUnsupported, failure.KindOf(err))
}

func TestOpenWeatherMap_ParsesDaySummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("appid"))
		w.Write([]byte(`{
			"date": "` + r.URL.Query().Get("date") + `",
			"cloud_cover": {"afternoon": 40},
			"humidity": {"afternoon": 55},
			"precipitation": {"total": 1.5},
			"temperature": {"min": 4.0, "max": 18.0, "morning": 6, "afternoon": 17, "evening": 12, "night": 5},
			"pressure": {"afternoon": 1016},
			"wind": {"max": {"speed": 5.0, "direction": 370}}
		}`))
	}))
	defer srv.Close()

	p := NewOpenWeatherMap(config.ProviderConfig{Name: OpenWeatherMap, BaseURL: srv.URL, AuthToken: "secret", TimeoutS: 5}, clt)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, clt)
	s, err := p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from.AddDate(0, 0, 2)})
	require.NoError(t, err)
	require.Len(t, s.Observations, 3)
	assert.Len(t, s.Payloads, 3)

	o := s.Observations[0]
	assert.Equal(t, OpenWeatherMap, o.Provenance)
	assert.InDelta(t, 18.0, o.TempMax.Float64, 1e-9)
	assert.InDelta(t, 10.0, o.TempMean.Float64, 1e-9)
	assert.InDelta(t, 18.0, o.WindSpeed.Float64, 1e-9)
	assert.InDelta(t, 10.0, o.WindDirection.Float64, 1e-9)
	assert.InDelta(t, 1016.0, o.Pressure.Float64, 1e-9)
}

func TestOpenWeatherMap_Failures(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, clt)

	p := NewOpenWeatherMap(config.ProviderConfig{Name: OpenWeatherMap, TimeoutS: 5}, clt)
	_, err := p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from})
	assert.Equal(t, failure.AuthMissing, failure.KindOf(err))

	p = NewOpenWeatherMap(config.ProviderConfig{Name: OpenWeatherMap, AuthToken: "x", TimeoutS: 5}, clt)
	_, err = p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from.AddDate(1, 0, 0)})
	assert.Equal(t, failure.RangeUnsupported, failure.KindOf(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"date":"2024-03-01"}`))
	}))
	defer srv.Close()
	p = NewOpenWeatherMap(config.ProviderConfig{Name: OpenWeatherMap, BaseURL: srv.URL, AuthToken: "x", TimeoutS: 5}, clt)
	_, err = p.Fetch(context.Background(), Request{Station: quillota(), From: from, To: from})
	assert.Equal(t, failure.Malformed, failure.KindOf(err))
}

func TestSynthetic_DeterministicAndConsistent(t *testing.T) {
	p := NewSynthetic(42, clt)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, clt)
	req := Request{Station: quillota(), From: from, To: from.AddDate(0, 0, 364)}

	a, err := p.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, a.Observations, 365)

	// A sub-range reproduces the same days.
	sub, err := NewSynthetic(42, clt).Fetch(context.Background(), Request{Station: quillota(), From: from.AddDate(0, 0, 100), To: from.AddDate(0, 0, 101)})
	require.NoError(t, err)
	assert.True(t, a.Observations[100].Equal(&sub.Observations[0]))

	for _, o := range a.Observations {
		assert.Equal(t, Synthetic, o.Provenance)
		assert.LessOrEqual(t, o.TempMin.Float64, o.TempMean.Float64)
		assert.LessOrEqual(t, o.TempMean.Float64, o.TempMax.Float64)
		assert.GreaterOrEqual(t, o.Precipitation.Float64, 0.0)
		assert.GreaterOrEqual(t, o.WindSpeed.Float64, 0.0)
		assert.True(t, o.WindDirection.Float64 >= 0 && o.WindDirection.Float64 < 360)
		assert.True(t, o.Humidity.Float64 >= 40 && o.Humidity.Float64 <= 95)
	}

	// Southern hemisphere: January warmer than July.
	jan := a.Observations[0:31]
	jul := a.Observations[182:213]
	assert.Greater(t, meanOf(jan), meanOf(jul)+5)
}

func TestSynthetic_SeedChangesValues(t *testing.T) {
	day := time.Date(2024, 7, 15, 4, 0, 0, 0, time.UTC)
	req := Request{Station: quillota()}
	a := NewSynthetic(1, clt).Generate(req, day)
	b := NewSynthetic(2, clt).Generate(req, day)
	assert.False(t, a.Equal(&b))
}

func TestSynthetic_VariableFilter(t *testing.T) {
	day := time.Date(2024, 7, 15, 4, 0, 0, 0, time.UTC)
	o := NewSynthetic(42, clt).Generate(Request{Station: quillota(), Variables: []models.Variable{models.VarTempMax}}, day)
	assert.True(t, o.TempMax.Valid)
	assert.False(t, o.Humidity.Valid)
}

func TestBuild_OrdersByPriority(t *testing.T) {
	ps := Build([]config.ProviderConfig{
		{Name: Synthetic, Enabled: true, Priority: 99, TimeoutS: 1},
		{Name: OpenWeatherMap, Enabled: false, Priority: 2, TimeoutS: 1},
		{Name: OpenMeteo, Enabled: true, Priority: 1, TimeoutS: 1},
	}, clt, 42)
	require.Len(t, ps, 2)
	assert.Equal(t, OpenMeteo, ps[0].Name())
	assert.Equal(t, Synthetic, ps[1].Name())
}

func TestDays(t *testing.T) {
	from := time.Date(2024, 7, 15, 23, 0, 0, 0, clt)
	days := Days(from, from.AddDate(0, 0, 2), clt)
	require.Len(t, days, 3)
	assert.Equal(t, time.Date(2024, 7, 15, 4, 0, 0, 0, time.UTC), days[0])
	assert.Empty(t, Days(from, from.AddDate(0, 0, -1), clt))
}

func meanOf(obs []models.Observation) float64 {
	var s float64
	for _, o := range obs {
		s += o.TempMean.Float64
	}
	return s / float64(len(obs))
}
