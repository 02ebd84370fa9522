package provider

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/httputil"
	"github.com/metgo/quillota/internal/models"
)

const (
	openMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
	// The forecast endpoint serves the recent past; older ranges go to the archive.
	openMeteoRecentDays = 90
)

// openMeteoDaily lists the requested daily aggregates. Nulls arrive as JSON null.
type openMeteoDaily struct {
	Time          []string   `json:"time"`
	TempMax       []*float64 `json:"temperature_2m_max"`
	TempMin       []*float64 `json:"temperature_2m_min"`
	TempMean      []*float64 `json:"temperature_2m_mean"`
	Humidity      []*float64 `json:"relative_humidity_2m_mean"`
	Precipitation []*float64 `json:"precipitation_sum"`
	WindSpeed     []*float64 `json:"wind_speed_10m_max"`
	WindDirection []*float64 `json:"wind_direction_10m_dominant"`
	Pressure      []*float64 `json:"pressure_msl_mean"`
	CloudCover    []*float64 `json:"cloud_cover_mean"`
	Radiation     []*float64 `json:"shortwave_radiation_sum"`
	DewPoint      []*float64 `json:"dew_point_2m_mean"`
	UVIndex       []*float64 `json:"uv_index_max"`
}

type openMeteoResponse struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Daily     openMeteoDaily `json:"daily"`
}

var openMeteoFields = []string{
	"temperature_2m_max", "temperature_2m_min", "temperature_2m_mean",
	"relative_humidity_2m_mean", "precipitation_sum", "wind_speed_10m_max",
	"wind_direction_10m_dominant", "pressure_msl_mean", "cloud_cover_mean",
	"shortwave_radiation_sum", "dew_point_2m_mean", "uv_index_max",
}

type OpenMeteoProvider struct {
	client  *httputil.Client
	baseURL string
	apiKey  string
	loc     *time.Location
	now     func() time.Time
}

func NewOpenMeteo(cfg config.ProviderConfig, loc *time.Location) *OpenMeteoProvider {
	if loc == nil {
		loc = time.UTC
	}
	return &OpenMeteoProvider{
		client:  httputil.New(OpenMeteo, cfg.Timeout(), cfg.MaxRetries),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.AuthToken,
		loc:     loc,
		now:     time.Now,
	}
}

func (p *OpenMeteoProvider) Name() string { return OpenMeteo }

func (p *OpenMeteoProvider) endpoint(req Request) string {
	if p.baseURL != "" {
		return p.baseURL
	}
	if p.now().Sub(req.To) > openMeteoRecentDays*24*time.Hour {
		return openMeteoArchiveURL
	}
	return openMeteoForecastURL
}

func (p *OpenMeteoProvider) Fetch(ctx context.Context, req Request) (*Series, error) {
	if req.To.Before(req.From) {
		return nil, failure.Newf(failure.RangeUnsupported, "openmeteo.Fetch", "range end %s before start %s", req.To, req.From)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(req.Station.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(req.Station.Longitude, 'f', 4, 64))
	q.Set("daily", strings.Join(openMeteoFields, ","))
	q.Set("timezone", p.loc.String())
	q.Set("start_date", req.From.In(p.loc).Format("2006-01-02"))
	q.Set("end_date", req.To.In(p.loc).Format("2006-01-02"))
	q.Set("wind_speed_unit", "kmh")
	if p.apiKey != "" {
		q.Set("apikey", p.apiKey)
	}
	endpoint := p.endpoint(req)
	u := endpoint + "?" + q.Encode()

	var data openMeteoResponse
	resp, err := p.client.GetJSON(ctx, u, &data)
	if err != nil {
		return nil, err
	}

	obs, err := p.normalize(req, data.Daily)
	if err != nil {
		return nil, err
	}
	return &Series{
		Provider:     OpenMeteo,
		Observations: obs,
		Payloads:     []Payload{{Endpoint: endpoint, Status: resp.Status, Body: resp.Body}},
	}, nil
}

func (p *OpenMeteoProvider) normalize(req Request, d openMeteoDaily) ([]models.Observation, error) {
	columns := map[models.Variable][]*float64{
		models.VarTempMax:       d.TempMax,
		models.VarTempMin:       d.TempMin,
		models.VarTempMean:      d.TempMean,
		models.VarHumidity:      d.Humidity,
		models.VarPrecipitation: d.Precipitation,
		models.VarWindSpeed:     d.WindSpeed,
		models.VarWindDirection: d.WindDirection,
		models.VarPressure:      d.Pressure,
		models.VarCloudCover:    d.CloudCover,
		models.VarRadiation:     d.Radiation,
		models.VarDewPoint:      d.DewPoint,
		models.VarUVIndex:       d.UVIndex,
	}
	for v, col := range columns {
		if col != nil && len(col) != len(d.Time) {
			return nil, failure.Newf(failure.Malformed, "openmeteo.normalize", "%s has %d values for %d days", v, len(col), len(d.Time))
		}
	}

	out := make([]models.Observation, 0, len(d.Time))
	for i, day := range d.Time {
		local, err := time.ParseInLocation("2006-01-02", day, p.loc)
		if err != nil {
			return nil, failure.New(failure.Malformed, "openmeteo.normalize", err)
		}
		o := models.Observation{
			StationID:     req.Station.StationID,
			Timestamp:     local.UTC(),
			Provenance:    OpenMeteo,
			RadiationUnit: models.RadiationWm2,
		}
		for v, col := range columns {
			if col == nil || col[i] == nil || !req.Wants(v) {
				continue
			}
			val := *col[i]
			if v == models.VarRadiation {
				val = mjDayToWm2(val)
			}
			o.Set(v, val)
		}
		if !o.Radiation.Valid {
			o.RadiationUnit = ""
		}
		out = append(out, o)
	}
	return out, nil
}

// nullable is shared by adapters that decode optional numbers.
func nullable(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}
