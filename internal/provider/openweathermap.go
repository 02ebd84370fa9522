package provider

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/httputil"
	"github.com/metgo/quillota/internal/models"
)

const (
	openWeatherMapURL = "https://api.openweathermap.org/data/3.0/onecall/day_summary"
	// day_summary is one call per day; longer ranges are refused rather than fanned out.
	openWeatherMapMaxDays = 62
)

// OpenWeatherMapProvider reads the One Call daily aggregation endpoint.
type OpenWeatherMapProvider struct {
	client  *httputil.Client
	baseURL string
	apiKey  string
	loc     *time.Location
}

func NewOpenWeatherMap(cfg config.ProviderConfig, loc *time.Location) *OpenWeatherMapProvider {
	if loc == nil {
		loc = time.UTC
	}
	base := cfg.BaseURL
	if base == "" {
		base = openWeatherMapURL
	}
	return &OpenWeatherMapProvider{
		client:  httputil.New(OpenWeatherMap, cfg.Timeout(), cfg.MaxRetries),
		baseURL: base,
		apiKey:  cfg.AuthToken,
		loc:     loc,
	}
}

func (p *OpenWeatherMapProvider) Name() string { return OpenWeatherMap }

func (p *OpenWeatherMapProvider) Fetch(ctx context.Context, req Request) (*Series, error) {
	if p.apiKey == "" {
		return nil, failure.Newf(failure.AuthMissing, "openweathermap.Fetch", "no api key configured")
	}
	days := Days(req.From, req.To, p.loc)
	if len(days) == 0 || len(days) > openWeatherMapMaxDays {
		return nil, failure.Newf(failure.RangeUnsupported, "openweathermap.Fetch", "%d days requested, limit %d", len(days), openWeatherMapMaxDays)
	}

	series := &Series{Provider: OpenWeatherMap}
	for _, day := range days {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(req.Station.Latitude, 'f', 4, 64))
		q.Set("lon", strconv.FormatFloat(req.Station.Longitude, 'f', 4, 64))
		q.Set("date", day.In(p.loc).Format("2006-01-02"))
		q.Set("units", "metric")
		q.Set("appid", p.apiKey)

		resp, err := p.client.Get(ctx, p.baseURL+"?"+q.Encode())
		if err != nil {
			return nil, err
		}
		series.Payloads = append(series.Payloads, Payload{Endpoint: p.baseURL, Status: resp.Status, Body: resp.Body})

		o, err := parseDaySummary(resp.Body, req, day)
		if err != nil {
			return nil, err
		}
		series.Observations = append(series.Observations, o)
	}
	return series, nil
}

func parseDaySummary(body []byte, req Request, day time.Time) (models.Observation, error) {
	if !gjson.ValidBytes(body) {
		return models.Observation{}, failure.Newf(failure.Malformed, "openweathermap.parse", "invalid json for %s", day.Format("2006-01-02"))
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("temperature").Exists() {
		return models.Observation{}, failure.Newf(failure.Malformed, "openweathermap.parse", "missing temperature block")
	}

	o := models.Observation{
		StationID:  req.Station.StationID,
		Timestamp:  day,
		Provenance: OpenWeatherMap,
	}
	set := func(v models.Variable, path string, conv func(float64) float64) {
		r := doc.Get(path)
		if !r.Exists() || r.Type != gjson.Number || !req.Wants(v) {
			return
		}
		val := r.Float()
		if conv != nil {
			val = conv(val)
		}
		o.Set(v, val)
	}

	set(models.VarTempMax, "temperature.max", nil)
	set(models.VarTempMin, "temperature.min", nil)
	set(models.VarHumidity, "humidity.afternoon", nil)
	set(models.VarPrecipitation, "precipitation.total", nil)
	set(models.VarWindSpeed, "wind.max.speed", msToKmh)
	set(models.VarWindDirection, "wind.max.direction", nil)
	set(models.VarPressure, "pressure.afternoon", nil)
	set(models.VarCloudCover, "cloud_cover.afternoon", nil)

	// The day summary has no mean; average the four parts of the day when present.
	var sum float64
	var n int
	for _, part := range []string{"morning", "afternoon", "evening", "night"} {
		if v := doc.Get("temperature." + part); v.Type == gjson.Number {
			sum += v.Float()
			n++
		}
	}
	if n == 4 && req.Wants(models.VarTempMean) {
		o.TempMean = nullable(sum/4, true)
	}

	if o.WindDirection.Valid {
		o.WindDirection.Float64 = normalizeDirection(o.WindDirection.Float64)
	}
	return o, nil
}

func normalizeDirection(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}
