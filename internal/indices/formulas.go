// Package indices derives agronomic indices from daily observations.
package indices

import "math"

const (
	gddBase       = 10.0
	chillBelow    = 7.0
	heatStressMin = 30.0
)

func GDD(mean float64) float64 {
	return math.Max(0, mean-gddBase)
}

func HeatIndex(mean, humidity float64) float64 {
	return mean + (humidity-50)*0.09
}

func WindChill(mean, windKmh float64) float64 {
	return mean - math.Sqrt(math.Max(0, windKmh))*0.7
}

func DewPoint(mean, humidity float64) float64 {
	return mean - (100-humidity)/5
}

// ChillHours approximates the hours below 7 °C in a day from its extremes,
// assuming a sinusoidal diurnal cycle sampled hourly.
func ChillHours(tmin, tmax float64) float64 {
	if tmax < tmin {
		tmin, tmax = tmax, tmin
	}
	if tmax < chillBelow {
		return 24
	}
	if tmin >= chillBelow {
		return 0
	}
	mean := (tmax + tmin) / 2
	amp := (tmax - tmin) / 2
	var n float64
	for h := 0; h < 24; h++ {
		// Minimum near 06:00, maximum near 18:00 of the cycle.
		t := mean - amp*math.Cos(2*math.Pi*float64(h-6)/24)
		if t < chillBelow {
			n++
		}
	}
	return n
}

// FrostBase is the phenology-neutral frost risk for a minimum temperature
// expressed relative to the crop's critical threshold. The breakpoints
// -2, 0, 2 and 5 are margins from the crop's critical damage temperature
// (Snyder & de Melo-Abreu, Frost Protection, FAO 2005, ch. 4); a crop with
// a 0 °C threshold scores the minimum temperature on the absolute scale.
func FrostBase(margin float64) float64 {
	switch {
	case margin <= -2:
		return 0.9
	case margin <= 0:
		return 0.7
	case margin <= 2:
		return 0.4
	case margin <= 5:
		return 0.2
	}
	return 0.05
}

// PhenologyFactor scales frost risk for sensitive stages.
func PhenologyFactor(stage Stage) float64 {
	switch stage {
	case StageBudbreak, StageFlowering:
		return 1.5
	case StageSet:
		return 1.3
	}
	return 1.0
}

// FrostRisk combines the base risk with the stage factor, clipped to [0, 1].
func FrostRisk(tmin, critical float64, stage Stage) float64 {
	return clip(FrostBase(tmin-critical)*PhenologyFactor(stage), 0, 1)
}

func WaterStress(tmax, humidity, precip float64) float64 {
	s := math.Max(0, tmax-25)*3 + math.Max(0, 60-humidity)*0.5 + math.Max(0, 5-precip)*2
	return clip(s, 0, 100)
}

func HeatStress(tmax float64) float64 {
	return clip(math.Max(0, tmax-heatStressMin)/10, 0, 1)
}

// Drought is a step approximation of a standardised precipitation index for one day.
func Drought(precip float64) float64 {
	switch {
	case precip <= 0:
		return -2.0
	case precip < 1:
		return -1.5
	case precip < 5:
		return -1.0
	case precip < 10:
		return -0.5
	case precip < 20:
		return 0.0
	case precip < 40:
		return 0.5
	}
	return 1.0
}

// Growth scores how close the day is to optimal growing conditions (20 °C,
// full radiation, 12.5 mm), in [0, 1].
func Growth(mean, radiationWm2, precip float64) float64 {
	temp := math.Max(0, 1-math.Abs(mean-20)/10)
	rad := clip(radiationWm2/1000, 0, 1)
	rain := math.Max(0, 1-math.Abs(precip-12.5)/12.5)
	return (temp + rad + rain) / 3
}

// Yield weights temperature and radiation over rain around a 22 °C optimum.
func Yield(mean, radiationWm2, precip float64) float64 {
	temp := math.Max(0, 1-math.Abs(mean-22)/12)
	rad := clip(radiationWm2/900, 0, 1)
	rain := math.Max(0, 1-math.Abs(precip-10)/15)
	return temp*0.4 + rad*0.4 + rain*0.2
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
