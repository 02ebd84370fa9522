package ingest

import (
	"math"

	"github.com/metgo/quillota/internal/models"
)

// Rejection reasons. A row carrying any of them is dropped.
const (
	FlagTempOutOfRange      = "temperature_out_of_range"
	FlagTempOrder           = "temperature_order"
	FlagNoTemperature       = "no_temperature"
	FlagHumidityInvalid     = "humidity_out_of_range"
	FlagPrecipInvalid       = "precipitation_out_of_range"
	FlagWindSpeedInvalid    = "wind_speed_out_of_range"
	FlagWindDirInvalid      = "wind_direction_out_of_range"
	FlagPressureOutOfRange  = "pressure_out_of_range"
	FlagCloudCoverInvalid   = "cloud_cover_out_of_range"
	FlagRadiationOutOfRange = "radiation_out_of_range"
	FlagUVInvalid           = "uv_index_out_of_range"
	FlagDuplicate           = "duplicate_timestamp"
)

type bound struct {
	min, max float64
	// openMax excludes max itself (wind direction 360 is 0).
	openMax bool
	flag    string
}

func (b bound) contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < b.min {
		return false
	}
	if b.openMax {
		return v < b.max
	}
	return v <= b.max
}

var bounds = map[models.Variable]bound{
	models.VarTempMax:       {-20, 55, false, FlagTempOutOfRange},
	models.VarTempMin:       {-20, 55, false, FlagTempOutOfRange},
	models.VarTempMean:      {-20, 55, false, FlagTempOutOfRange},
	models.VarDewPoint:      {-20, 55, false, FlagTempOutOfRange},
	models.VarHumidity:      {0, 100, false, FlagHumidityInvalid},
	models.VarPrecipitation: {0, 500, false, FlagPrecipInvalid},
	models.VarWindSpeed:     {0, 300, false, FlagWindSpeedInvalid},
	models.VarWindDirection: {0, 360, true, FlagWindDirInvalid},
	models.VarPressure:      {850, 1085, false, FlagPressureOutOfRange},
	models.VarCloudCover:    {0, 100, false, FlagCloudCoverInvalid},
	models.VarRadiation:     {0, 1400, false, FlagRadiationOutOfRange},
	models.VarUVIndex:       {0, 20, false, FlagUVInvalid},
}

// ValidateObservation range-checks and cross-checks obs, filling a missing
// mean temperature from the extremes. It returns the reasons the row must be
// dropped; an empty result means the row is valid.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string
	seen := map[string]bool{}
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}

	for _, v := range models.Variables {
		val := obs.Get(v)
		if !val.Valid {
			continue
		}
		x := val.Float64
		if v == models.VarRadiation && obs.RadiationUnit == models.RadiationMJm2Day {
			x = x * 1e6 / 86400
		}
		if b, ok := bounds[v]; ok && !b.contains(x) {
			add(b.flag)
		}
	}

	if !obs.TempMean.Valid && obs.TempMax.Valid && obs.TempMin.Valid {
		obs.TempMean.Float64 = (obs.TempMax.Float64 + obs.TempMin.Float64) / 2
		obs.TempMean.Valid = true
	}
	if !obs.TempMean.Valid && !obs.TempMax.Valid && !obs.TempMin.Valid {
		add(FlagNoTemperature)
	}
	if !temperatureOrdered(obs) {
		add(FlagTempOrder)
	}
	return flags
}

// temperatureOrdered checks min <= mean <= max over whichever values are present.
func temperatureOrdered(o *models.Observation) bool {
	vals := []struct {
		ok bool
		v  float64
	}{
		{o.TempMin.Valid, o.TempMin.Float64},
		{o.TempMean.Valid, o.TempMean.Float64},
		{o.TempMax.Valid, o.TempMax.Float64},
	}
	for i := 0; i < len(vals); i++ {
		for j := i + 1; j < len(vals); j++ {
			if vals[i].ok && vals[j].ok && vals[i].v > vals[j].v {
				return false
			}
		}
	}
	return true
}
