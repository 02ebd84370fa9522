package provider

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// Monthly base temperature for the central Chile valleys at 100 m.
var monthlyBaseTemp = [13]float64{0, 20, 20, 18, 15, 12, 10, 10, 12, 15, 17, 19, 20}

// Daily rain probability per month (Mediterranean regime, wet winter).
var monthlyRainProb = [13]float64{0, 0.05, 0.03, 0.08, 0.15, 0.25, 0.35, 0.40, 0.30, 0.20, 0.15, 0.10, 0.08}

const referenceLatitude = -32.8833

type marineParams struct {
	offset    float64 // added to the base temperature
	amplitude float64 // daily max-min spread
	humidity  float64
	wind      float64 // gamma scale, km/h
}

var marineTable = map[models.MarineInfluence]marineParams{
	models.MarineVeryHigh: {-2.0, 8, 85, 7},
	models.MarineHigh:     {-1.5, 10, 85, 6},
	models.MarineMedium:   {-1.0, 12, 75, 5},
	models.MarineLow:      {-0.5, 14, 65, 4},
	models.MarineVeryLow:  {-0.2, 16, 65, 3.5},
}

// SyntheticProvider draws seasonally modulated daily weather. The same seed,
// station and day always produce the same observation, whatever range it is
// requested in.
type SyntheticProvider struct {
	seed int64
	loc  *time.Location
}

func NewSynthetic(seed int64, loc *time.Location) *SyntheticProvider {
	if loc == nil {
		loc = time.UTC
	}
	return &SyntheticProvider{seed: seed, loc: loc}
}

func (p *SyntheticProvider) Name() string { return Synthetic }

func (p *SyntheticProvider) Fetch(ctx context.Context, req Request) (*Series, error) {
	if req.To.Before(req.From) {
		return nil, failure.Newf(failure.RangeUnsupported, "synthetic.Fetch", "range end before start")
	}
	days := Days(req.From, req.To, p.loc)
	series := &Series{Provider: Synthetic, Observations: make([]models.Observation, 0, len(days))}
	for _, day := range days {
		if err := failure.FromContext(ctx, "synthetic.Fetch"); err != nil {
			return nil, err
		}
		series.Observations = append(series.Observations, p.Generate(req, day))
	}
	return series, nil
}

func (p *SyntheticProvider) rng(stationID string, day time.Time) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(stationID))
	h.Write([]byte(day.Format("2006-01-02")))
	return rand.New(rand.NewPCG(uint64(p.seed), h.Sum64()))
}

// Generate produces one day of synthetic weather for the station.
func (p *SyntheticProvider) Generate(req Request, day time.Time) models.Observation {
	st := req.Station
	local := day.In(p.loc)
	r := p.rng(st.StationID, local)

	mp, ok := marineTable[st.MarineInfluence]
	if !ok {
		mp = marineTable[models.MarineMedium]
	}

	month := int(local.Month())
	base := monthlyBaseTemp[month]
	base -= (st.Elevation - 100) * 0.006
	base += mp.offset
	// Poleward stations run slightly cooler.
	base -= (math.Abs(st.Latitude) - math.Abs(referenceLatitude)) * 0.8

	tmax := base + mp.amplitude/2 + r.NormFloat64()*2
	tmin := base - mp.amplitude/2 + r.NormFloat64()*1.5
	if tmin > tmax {
		tmin, tmax = tmax, tmin
	}

	humidity := clamp(mp.humidity+r.NormFloat64()*10, 40, 95)

	var precip float64
	if r.Float64() < monthlyRainProb[month] {
		precip = math.Max(0, r.ExpFloat64()*5+r.NormFloat64()*2)
	}

	wind := mp.wind * (r.ExpFloat64() + r.ExpFloat64())
	direction := math.Mod(225+r.NormFloat64()*30+360, 360)
	pressure := 1013 + r.NormFloat64()*4

	cloud := 20 + r.NormFloat64()*10
	if precip > 0 {
		cloud += 60
	}
	cloud = clamp(cloud, 0, 100)

	doy := float64(local.YearDay())
	clearSky := 200 + 100*math.Cos(2*math.Pi*(doy-355)/365)
	radiation := clearSky * (1 - 0.6*cloud/100)

	mean := (tmax + tmin) / 2
	dew := mean - (100-humidity)/5
	uv := clamp(radiation/300*11, 0, 14)

	o := models.Observation{
		StationID:     st.StationID,
		Timestamp:     day.UTC(),
		Provenance:    Synthetic,
		RadiationUnit: models.RadiationWm2,
	}
	values := map[models.Variable]float64{
		models.VarTempMax:       tmax,
		models.VarTempMin:       tmin,
		models.VarTempMean:      mean,
		models.VarHumidity:      humidity,
		models.VarPrecipitation: precip,
		models.VarWindSpeed:     wind,
		models.VarWindDirection: direction,
		models.VarPressure:      pressure,
		models.VarCloudCover:    cloud,
		models.VarRadiation:     radiation,
		models.VarDewPoint:      dew,
		models.VarUVIndex:       uv,
	}
	for v, val := range values {
		if req.Wants(v) {
			o.Set(v, round1(val))
		}
	}
	if o.WindDirection.Valid {
		o.WindDirection.Float64 = math.Mod(o.WindDirection.Float64, 360)
	}
	// Rounding can push the mean outside the rounded bounds; recompute from them.
	if o.TempMax.Valid && o.TempMin.Valid && o.TempMean.Valid {
		o.TempMean.Float64 = round1((o.TempMax.Float64 + o.TempMin.Float64) / 2)
		o.TempMean.Float64 = clamp(o.TempMean.Float64, o.TempMin.Float64, o.TempMax.Float64)
	}
	return o
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
