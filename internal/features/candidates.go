package features

import (
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/metgo/quillota/internal/models"
)

var (
	rollingWindows = []int{7, 14, 30}
	lagOffsets     = []int{7, 14}
	// cyclicalPeriods pairs each period with the calendar quantity it wraps.
	cyclicalPeriods = []struct {
		name   string
		period float64
		value  func(t time.Time) float64
	}{
		{"month", 12, func(t time.Time) float64 { return float64(t.Month()) }},
		{"hour", 24, func(t time.Time) float64 { return float64(t.Hour()) }},
		{"week", 52, func(t time.Time) float64 { _, w := t.ISOWeek(); return float64(w) }},
		{"doy", 365, func(t time.Time) float64 { return float64(t.YearDay()) }},
	}
	// historyVars get rolling and lag features in addition to the target.
	historyVars = []models.Variable{
		models.VarTempMax, models.VarTempMin, models.VarTempMean, models.VarHumidity, models.VarPrecipitation,
	}
)

// interaction is a same-day derived term and the variables it reads.
type interaction struct {
	name  string
	reads []models.Variable
	eval  func(o *models.Observation) float64
}

var interactions = []interaction{
	{"temp_x_humidity", []models.Variable{models.VarTempMean, models.VarHumidity}, func(o *models.Observation) float64 {
		return get(o, models.VarTempMean) * get(o, models.VarHumidity)
	}},
	{"pressure_x_wind", []models.Variable{models.VarPressure, models.VarWindSpeed}, func(o *models.Observation) float64 {
		return get(o, models.VarPressure) * get(o, models.VarWindSpeed)
	}},
	{"radiation_x_clear", []models.Variable{models.VarRadiation, models.VarCloudCover}, func(o *models.Observation) float64 {
		return get(o, models.VarRadiation) * (100 - get(o, models.VarCloudCover))
	}},
	{"thermal_amplitude", []models.Variable{models.VarTempMax, models.VarTempMin}, func(o *models.Observation) float64 {
		return get(o, models.VarTempMax) - get(o, models.VarTempMin)
	}},
	{"pressure_norm", []models.Variable{models.VarPressure}, func(o *models.Observation) float64 {
		return (get(o, models.VarPressure) - 1013) / 20
	}},
	{"humidity_norm", []models.Variable{models.VarHumidity}, func(o *models.Observation) float64 {
		return get(o, models.VarHumidity) / 100
	}},
	{"wind_norm", []models.Variable{models.VarWindSpeed}, func(o *models.Observation) float64 {
		return get(o, models.VarWindSpeed) / 50
	}},
}

// get returns NaN for missing values; NaN propagates and is imputed later.
func get(o *models.Observation, v models.Variable) float64 {
	n := o.Get(v)
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

// readsTarget reports whether a same-day term would leak the target.
func readsTarget(vars []models.Variable, target models.Variable) bool {
	for _, v := range vars {
		if v == target {
			return true
		}
	}
	return false
}

func historyVariables(target models.Variable) []models.Variable {
	out := []models.Variable{target}
	for _, v := range historyVars {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// CandidateNames lists every candidate column for a target, in build order.
func CandidateNames(target models.Variable, stations []string) []string {
	var names []string
	for _, v := range models.Variables {
		if v != target {
			names = append(names, string(v))
		}
	}
	names = append(names, "year", "month", "day", "day_of_week", "day_of_year", "quarter", "iso_week")
	for _, c := range cyclicalPeriods {
		names = append(names, c.name+"_sin", c.name+"_cos")
	}
	for _, in := range interactions {
		if !readsTarget(in.reads, target) {
			names = append(names, in.name)
		}
	}
	for _, v := range historyVariables(target) {
		for _, w := range rollingWindows {
			for _, s := range []string{"mean", "std", "min", "max"} {
				names = append(names, rollingName(v, w, s))
			}
		}
		for _, k := range lagOffsets {
			names = append(names, lagName(v, k))
		}
	}
	for _, st := range stations {
		names = append(names, "station_"+st)
	}
	return names
}

func rollingName(v models.Variable, window int, s string) string {
	return string(v) + "_roll" + strconv.Itoa(window) + "_" + s
}

func lagName(v models.Variable, k int) string {
	return string(v) + "_diff" + strconv.Itoa(k)
}

// candidates computes every candidate feature for series[i]. History features
// only look at rows strictly before i.
func candidates(target models.Variable, stations []string, station string, series []models.Observation, i int, loc *time.Location) map[string]float64 {
	o := &series[i]
	t := o.Timestamp.In(loc)
	f := make(map[string]float64, 128)

	for _, v := range models.Variables {
		if v != target {
			f[string(v)] = get(o, v)
		}
	}

	_, week := t.ISOWeek()
	f["year"] = float64(t.Year())
	f["month"] = float64(t.Month())
	f["day"] = float64(t.Day())
	f["day_of_week"] = float64(t.Weekday())
	f["day_of_year"] = float64(t.YearDay())
	f["quarter"] = float64((int(t.Month())-1)/3 + 1)
	f["iso_week"] = float64(week)
	for _, c := range cyclicalPeriods {
		angle := 2 * math.Pi * c.value(t) / c.period
		f[c.name+"_sin"] = math.Sin(angle)
		f[c.name+"_cos"] = math.Cos(angle)
	}

	for _, in := range interactions {
		if !readsTarget(in.reads, target) {
			f[in.name] = in.eval(o)
		}
	}

	for _, v := range historyVariables(target) {
		for _, w := range rollingWindows {
			vals := window(series, i, w, v)
			mean, std, lo, hi := math.NaN(), math.NaN(), math.NaN(), math.NaN()
			if len(vals) > 0 {
				lo, hi = vals[0], vals[0]
				for _, x := range vals {
					lo = math.Min(lo, x)
					hi = math.Max(hi, x)
				}
				mean = stat.Mean(vals, nil)
				std = 0
				if len(vals) > 1 {
					std = stat.StdDev(vals, nil)
				}
			}
			f[rollingName(v, w, "mean")] = mean
			f[rollingName(v, w, "std")] = std
			f[rollingName(v, w, "min")] = lo
			f[rollingName(v, w, "max")] = hi
		}
		for _, k := range lagOffsets {
			f[lagName(v, k)] = math.NaN()
			if i-1-k >= 0 {
				f[lagName(v, k)] = get(&series[i-1], v) - get(&series[i-1-k], v)
			}
		}
	}

	for _, st := range stations {
		f["station_"+st] = 0
		if st == station {
			f["station_"+st] = 1
		}
	}
	return f
}

// window returns the non-null values of v in the w rows before i.
func window(series []models.Observation, i, w int, v models.Variable) []float64 {
	start := i - w
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, w)
	for j := start; j < i; j++ {
		if n := series[j].Get(v); n.Valid {
			out = append(out, n.Float64)
		}
	}
	return out
}
