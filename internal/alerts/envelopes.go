package alerts

import (
	"slices"

	"github.com/metgo/quillota/internal/models"
)

// Envelope is the weather window in which a pest or disease develops on a crop.
type Envelope struct {
	Name        string
	Kind        models.AlertKind
	Severity    models.Severity
	TempMin     float64
	TempMax     float64
	HumidityMin float64
	HumidityMax float64
	WindMax     float64 // 0 means unbounded
	Crops       []string
}

var Envelopes = []Envelope{
	{Name: "arana_roja", Kind: models.AlertPestRisk, Severity: models.SeverityMedium,
		TempMin: 25, TempMax: 35, HumidityMin: 30, HumidityMax: 60, Crops: []string{"palto", "citricos", "uva"}},
	{Name: "pulgon", Kind: models.AlertPestRisk, Severity: models.SeverityMedium,
		TempMin: 15, TempMax: 25, HumidityMin: 60, HumidityMax: 80, Crops: []string{"palto", "citricos", "uva"}},
	{Name: "mosca_blanca", Kind: models.AlertPestRisk, Severity: models.SeverityMedium,
		TempMin: 22, TempMax: 30, HumidityMin: 50, HumidityMax: 70, Crops: []string{"palto", "citricos"}},
	{Name: "mildiu", Kind: models.AlertDiseaseRisk, Severity: models.SeverityHigh,
		TempMin: 15, TempMax: 25, HumidityMin: 80, HumidityMax: 100, Crops: []string{"uva", "uva_vinifera", "hortalizas"}},
	{Name: "oidio", Kind: models.AlertDiseaseRisk, Severity: models.SeverityHigh,
		TempMin: 15, TempMax: 25, HumidityMin: 80, HumidityMax: 100, WindMax: 8, Crops: []string{"uva", "uva_vinifera", "nogal"}},
	{Name: "tizon_tardio", Kind: models.AlertDiseaseRisk, Severity: models.SeverityHigh,
		TempMin: 10, TempMax: 20, HumidityMin: 80, HumidityMax: 95, Crops: []string{"uva", "uva_vinifera", "hortalizas"}},
}

// Contains reports whether the day's mean temperature and humidity fall inside
// the envelope. Wind only bounds envelopes that set WindMax and is ignored
// when missing.
func (e Envelope) Contains(o models.Observation) bool {
	t, h := o.TempMean, o.Humidity
	if !t.Valid || !h.Valid {
		return false
	}
	if t.Float64 < e.TempMin || t.Float64 > e.TempMax || h.Float64 < e.HumidityMin || h.Float64 > e.HumidityMax {
		return false
	}
	if e.WindMax > 0 && o.WindSpeed.Valid && o.WindSpeed.Float64 > e.WindMax {
		return false
	}
	return true
}

// Risks returns the envelopes of the crop that the observation falls in.
func Risks(crop string, o models.Observation) []Envelope {
	var out []Envelope
	for _, e := range Envelopes {
		if slices.Contains(e.Crops, crop) && e.Contains(o) {
			out = append(out, e)
		}
	}
	return out
}
