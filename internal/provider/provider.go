// Package provider adapts external weather sources to the canonical observation model.
//
// Every adapter returns daily observations stamped at local midnight (converted to
// UTC) for each day in the requested range, tagged with the adapter name as
// provenance. Failures are *failure.Error values with a provider kind; adapters
// never substitute synthetic data on failure.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/models"
)

const (
	OpenMeteo      = "openmeteo"
	OpenWeatherMap = "openweathermap"
	Synthetic      = models.ProvenanceSynthetic
)

// Request describes one fetch for a single station.
type Request struct {
	Station   models.Station
	From      time.Time
	To        time.Time
	Variables []models.Variable
}

// Wants reports whether v was requested. An empty variable list requests everything.
func (r Request) Wants(v models.Variable) bool {
	if len(r.Variables) == 0 {
		return true
	}
	for _, w := range r.Variables {
		if w == v {
			return true
		}
	}
	return false
}

// Payload is one raw upstream response kept for the audit archive.
type Payload struct {
	Endpoint string
	Status   int
	Body     []byte
}

// Series is a normalised provider response.
type Series struct {
	Provider     string
	Observations []models.Observation
	Payloads     []Payload
}

type Provider interface {
	Name() string
	Fetch(ctx context.Context, req Request) (*Series, error)
}

// Build constructs the enabled providers in ascending priority order.
func Build(cfgs []config.ProviderConfig, loc *time.Location, seed int64) []Provider {
	enabled := make([]config.ProviderConfig, 0, len(cfgs))
	for _, pc := range cfgs {
		if pc.Enabled {
			enabled = append(enabled, pc)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority < enabled[j].Priority })

	out := make([]Provider, 0, len(enabled))
	for _, pc := range enabled {
		switch pc.Name {
		case OpenMeteo:
			out = append(out, NewOpenMeteo(pc, loc))
		case OpenWeatherMap:
			out = append(out, NewOpenWeatherMap(pc, loc))
		case Synthetic:
			out = append(out, NewSynthetic(seed, loc))
		}
	}
	return out
}

// Days returns local midnights (as UTC instants) for every calendar day in [from, to].
func Days(from, to time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	f := from.In(loc)
	t := to.In(loc)
	start := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	end := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.UTC())
	}
	return out
}

// Unit conversions into the canonical units.
func msToKmh(v float64) float64 { return v * 3.6 }

// mjDayToWm2 converts a daily radiation sum into mean irradiance.
func mjDayToWm2(v float64) float64 { return v * 1e6 / 86400 }
