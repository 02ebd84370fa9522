// Package features turns stored observations into training and inference
// matrices. A Recipe records the selected columns and imputation means so
// inference rebuilds exactly the columns a model was trained on.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

const DefaultK = 50

// Recipe is the persisted description of a feature matrix.
type Recipe struct {
	Target   models.Variable    `json:"target"`
	Stations []string           `json:"stations"`
	Columns  []string           `json:"columns"`
	Means    map[string]float64 `json:"means"`
	Scores   map[string]float64 `json:"scores,omitempty"`
	Timezone string             `json:"timezone"`
}

// Matrix is a dense feature matrix with its target column.
type Matrix struct {
	Columns  []string
	X        [][]float64
	Y        []float64
	Times    []time.Time
	Stations []string
}

func (m *Matrix) Len() int { return len(m.X) }

// Subset returns the rows at idx. Row slices are shared.
func (m *Matrix) Subset(idx []int) *Matrix {
	out := &Matrix{Columns: m.Columns}
	for _, i := range idx {
		out.X = append(out.X, m.X[i])
		out.Y = append(out.Y, m.Y[i])
		out.Times = append(out.Times, m.Times[i])
		out.Stations = append(out.Stations, m.Stations[i])
	}
	return out
}

type Builder struct {
	// K caps the number of selected features; zero means DefaultK.
	K   int
	Loc *time.Location
}

func (b Builder) loc() *time.Location {
	if b.Loc == nil {
		return time.UTC
	}
	return b.Loc
}

// Fit builds every candidate column over the training series, imputes missing
// values with column means and keeps the top-k columns by F-statistic.
// Series must be in ascending timestamp order per station.
func (b Builder) Fit(series map[string][]models.Observation, target models.Variable) (*Recipe, *Matrix, error) {
	stations := make([]string, 0, len(series))
	for st := range series {
		stations = append(stations, st)
	}
	sort.Strings(stations)

	names := CandidateNames(target, stations)
	raw, y, times, rowStations := b.rows(series, target, stations, names)
	if len(raw) == 0 {
		return nil, nil, failure.Newf(failure.InsufficientData, "features.Fit", "no rows with %s", target)
	}

	means := columnMeans(raw, len(names))
	impute(raw, means)

	k := b.K
	if k <= 0 {
		k = DefaultK
	}
	scores := FScores(raw, y)
	keep := TopK(scores, k)

	r := &Recipe{
		Target:   target,
		Stations: stations,
		Means:    map[string]float64{},
		Scores:   map[string]float64{},
		Timezone: b.loc().String(),
	}
	for _, j := range keep {
		r.Columns = append(r.Columns, names[j])
		r.Means[names[j]] = means[j]
		r.Scores[names[j]] = scores[j]
	}

	m := &Matrix{Columns: r.Columns, Y: y, Times: times, Stations: rowStations}
	for _, row := range raw {
		sel := make([]float64, len(keep))
		for c, j := range keep {
			sel[c] = row[j]
		}
		m.X = append(m.X, sel)
	}
	return r, m, nil
}

// rows computes candidate rows for every observation with a valid target.
func (b Builder) rows(series map[string][]models.Observation, target models.Variable, stations, names []string) ([][]float64, []float64, []time.Time, []string) {
	type tagged struct {
		row []float64
		y   float64
		t   time.Time
		st  string
	}
	var all []tagged
	for _, st := range stations {
		obs := series[st]
		for i := range obs {
			yv := obs[i].Get(target)
			if !yv.Valid {
				continue
			}
			f := candidates(target, stations, st, obs, i, b.loc())
			row := make([]float64, len(names))
			for j, n := range names {
				row[j] = f[n]
			}
			all = append(all, tagged{row, yv.Float64, obs[i].Timestamp, st})
		}
	}
	// Time order across stations keeps the forward-chaining split honest.
	sort.SliceStable(all, func(i, j int) bool { return all[i].t.Before(all[j].t) })

	X := make([][]float64, len(all))
	y := make([]float64, len(all))
	times := make([]time.Time, len(all))
	sts := make([]string, len(all))
	for i, a := range all {
		X[i], y[i], times[i], sts[i] = a.row, a.y, a.t, a.st
	}
	return X, y, times, sts
}

// Row builds the feature vector for obs given the station's prior history
// (ascending, not including obs).
func (r *Recipe) Row(station string, history []models.Observation, obs models.Observation) ([]float64, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		loc = time.UTC
	}
	series := append(append(make([]models.Observation, 0, len(history)+1), history...), obs)
	f := candidates(r.Target, r.Stations, station, series, len(series)-1, loc)

	row := make([]float64, len(r.Columns))
	for i, c := range r.Columns {
		v, ok := f[c]
		if !ok {
			return nil, fmt.Errorf("feature %q not computable", c)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = r.Means[c]
		}
		row[i] = v
	}
	return row, nil
}

func columnMeans(X [][]float64, cols int) []float64 {
	sums := make([]float64, cols)
	counts := make([]int, cols)
	for _, row := range X {
		for j, v := range row {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				sums[j] += v
				counts[j]++
			}
		}
	}
	means := make([]float64, cols)
	for j := range means {
		if counts[j] > 0 {
			means[j] = sums[j] / float64(counts[j])
		}
	}
	return means
}

func impute(X [][]float64, means []float64) {
	for _, row := range X {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row[j] = means[j]
			}
		}
	}
}
