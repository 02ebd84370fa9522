package indices

import (
	"time"

	"github.com/metgo/quillota/internal/models"
)

// Neutral inputs used when a variable is missing from an observation.
const (
	defaultHumidity = 50.0
)

// Calculator computes DerivedIndex rows. It is a pure function of its inputs.
type Calculator struct {
	loc   *time.Location
	crops map[string]Crop
}

func NewCalculator(loc *time.Location, crops map[string]Crop) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc, crops: crops}
}

// Stage returns the phenology stage of the station's primary crop at t, or
// dormancy when the station declares no known crop.
func (c *Calculator) Stage(st models.Station, t time.Time) Stage {
	if crop, ok := c.crops[st.PrimaryCrop]; ok {
		return crop.Phenology.At(t, c.loc)
	}
	return StageDormancy
}

func (c *Calculator) Compute(st models.Station, o models.Observation) models.DerivedIndex {
	mean := o.Value(models.VarTempMean, 0)
	tmin := o.Value(models.VarTempMin, mean)
	tmax := o.Value(models.VarTempMax, mean)
	humidity := o.Value(models.VarHumidity, defaultHumidity)
	precip := o.Value(models.VarPrecipitation, 0)
	wind := o.Value(models.VarWindSpeed, 0)
	radiation := o.Value(models.VarRadiation, 0)
	if o.RadiationUnit == models.RadiationMJm2Day {
		radiation = radiation * 1e6 / 86400
	}

	var critical float64
	if crop, ok := c.crops[st.PrimaryCrop]; ok {
		critical = crop.FrostCritical
	}
	stage := c.Stage(st, o.Timestamp)

	chill := 0.0
	if o.TempMin.Valid && o.TempMax.Valid {
		chill = ChillHours(tmin, tmax)
	} else if mean < chillBelow {
		chill = 24
	}

	return models.DerivedIndex{
		StationID:       o.StationID,
		Timestamp:       o.Timestamp,
		HeatIndex:       HeatIndex(mean, humidity),
		WindChill:       WindChill(mean, wind),
		DewPointCalc:    DewPoint(mean, humidity),
		GDDDaily:        GDD(mean),
		ChillHoursDaily: chill,
		DroughtIdx:      Drought(precip),
		FrostRisk:       FrostRisk(tmin, critical, stage),
		HeatStress:      HeatStress(tmax),
		WaterStress:     WaterStress(tmax, humidity, precip),
		GrowthIdx:       Growth(mean, radiation, precip),
		YieldIdx:        Yield(mean, radiation, precip),
		Phenology:       stage,
	}
}
