package alerts

import (
	"fmt"
	"slices"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/models"
)

// dryDay is the daily precipitation below which a day counts as dry.
const dryDay = 1.0

// Rules builds the threshold rules for a station from its resolved triggers.
// Disabled kinds are returned with Enabled false so callers can still list them.
func Rules(stationID string, t config.Resolved, cfg config.AlertsConfig) []models.AlertRule {
	rule := func(kind models.AlertKind, v models.Variable, cmp models.Comparison, th ...models.Threshold) models.AlertRule {
		return models.AlertRule{
			ID:         fmt.Sprintf("%s/%s", kind, stationID),
			Kind:       kind,
			Variable:   v,
			Comparison: cmp,
			Thresholds: th,
			Cooldown:   cfg.Cooldown,
			Audience:   cfg.Audience,
			Enabled:    !slices.Contains(cfg.Disabled, string(kind)),
		}
	}
	return []models.AlertRule{
		rule(models.AlertFrost, models.VarTempMin, models.AtOrBelow,
			models.Threshold{Value: t.FrostCritical, Severity: models.SeverityCritical},
			models.Threshold{Value: t.FrostWarning, Severity: models.SeverityHigh}),
		rule(models.AlertHeat, models.VarTempMax, models.AtOrAbove,
			models.Threshold{Value: t.HeatCritical, Severity: models.SeverityCritical},
			models.Threshold{Value: t.HeatHigh, Severity: models.SeverityHigh}),
		rule(models.AlertWind, models.VarWindSpeed, models.AtOrAbove,
			models.Threshold{Value: t.WindHigh, Severity: models.SeverityHigh},
			models.Threshold{Value: t.WindMedium, Severity: models.SeverityMedium}),
		rule(models.AlertHumidityLow, models.VarHumidity, models.AtOrBelow,
			models.Threshold{Value: t.HumidityLow, Severity: models.SeverityMedium}),
		rule(models.AlertHumidityHigh, models.VarHumidity, models.AtOrAbove,
			models.Threshold{Value: t.HumidityHigh, Severity: models.SeverityMedium}),
		rule(models.AlertPressureLow, models.VarPressure, models.AtOrBelow,
			models.Threshold{Value: t.PressureLow, Severity: models.SeverityMedium}),
		rule(models.AlertPrecipitationIntense, models.VarPrecipitation, models.AtOrAbove,
			models.Threshold{Value: t.PrecipIntense, Severity: models.SeverityHigh}),
		rule(models.AlertRapidChange, models.VarTempMean, models.AtOrAbove,
			models.Threshold{Value: t.RapidChange, Severity: models.SeverityMedium}),
		rule(models.AlertDrySpell, models.VarPrecipitation, models.AtOrAbove,
			models.Threshold{Value: t.DrySpellDays, Severity: models.SeverityMedium}),
		rule(models.AlertDataQuality, "", models.AtOrAbove,
			models.Threshold{Value: t.DataQualityMax, Severity: models.SeverityMedium}),
	}
}

// Match returns the most severe threshold crossed by value.
func Match(r models.AlertRule, value float64) (models.Threshold, bool) {
	for _, th := range r.Thresholds {
		switch r.Comparison {
		case models.AtOrBelow:
			if value <= th.Value {
				return th, true
			}
		case models.AtOrAbove:
			if value >= th.Value {
				return th, true
			}
		}
	}
	return models.Threshold{}, false
}

// ratePerHour is the absolute change between two observations scaled to one
// hour. Gaps shorter than an hour count as a full hour.
func ratePerHour(prev, cur models.Observation, v models.Variable) (float64, bool) {
	a, b := prev.Get(v), cur.Get(v)
	if !a.Valid || !b.Valid {
		return 0, false
	}
	hours := cur.Timestamp.Sub(prev.Timestamp).Hours()
	if hours <= 0 || hours > 24 {
		return 0, false
	}
	hours = max(hours, 1)
	d := b.Float64 - a.Float64
	if d < 0 {
		d = -d
	}
	return d / hours, true
}

// drySpell counts the trailing local days without measurable rain. history
// must be ordered oldest first. A row without precipitation ends the run.
func drySpell(history []models.Observation, loc *time.Location) int {
	days := make(map[string]struct{})
	for i := len(history) - 1; i >= 0; i-- {
		p := history[i].Precipitation
		if !p.Valid || p.Float64 >= dryDay {
			break
		}
		days[history[i].Timestamp.In(loc).Format(time.DateOnly)] = struct{}{}
	}
	return len(days)
}
