package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules. The returned error is
// a failure.ConfigInvalid wrapping a *ValidationError.
func Validate(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				add("%s: failed %q (value %v)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Value())
			}
		} else {
			add("%v", err)
		}
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		add("timezone %q: %v", cfg.Timezone, err)
	}

	stations := make(map[string]bool)
	for _, s := range cfg.Stations {
		if stations[s.ID] {
			add("duplicate station id %q", s.ID)
		}
		stations[s.ID] = true
		if s.PrimaryCrop == "" {
			continue
		}
		if _, ok := cfg.Crops[s.PrimaryCrop]; !ok {
			add("station %q: crop %q has no frost thresholds", s.ID, s.PrimaryCrop)
		}
		if _, ok := cfg.Phenology[s.PrimaryCrop]; !ok {
			add("station %q: crop %q has no phenology table", s.ID, s.PrimaryCrop)
		}
	}

	names := make(map[string]bool)
	priorities := make(map[int]string)
	for _, p := range cfg.Providers {
		if names[p.Name] {
			add("duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		if !p.Enabled {
			continue
		}
		if other, ok := priorities[p.Priority]; ok {
			add("providers %q and %q share priority %d", other, p.Name, p.Priority)
		}
		priorities[p.Priority] = p.Name
	}

	for crop, c := range cfg.Crops {
		if c.FrostCritical >= c.FrostWarning {
			add("crop %q: frost_critical %.1f must be below frost_warning %.1f", crop, c.FrostCritical, c.FrostWarning)
		}
	}

	for _, crop := range sortedKeys(cfg.Phenology) {
		problems = append(problems, checkPhenology(crop, cfg.Phenology[crop])...)
	}

	problems = append(problems, checkThresholds("alerts.global", cfg.Alerts.Global)...)
	for _, crop := range sortedKeys(cfg.Alerts.ByCrop) {
		if _, ok := cfg.Crops[crop]; !ok {
			add("alerts.by_crop: unknown crop %q", crop)
		}
		problems = append(problems, checkThresholds("alerts.by_crop."+crop, cfg.Alerts.Global.Merge(cfg.Alerts.ByCrop[crop]))...)
	}
	for _, id := range sortedKeys(cfg.Alerts.ByStation) {
		if !stations[id] {
			add("alerts.by_station: unknown station %q", id)
		}
		problems = append(problems, checkThresholds("alerts.by_station."+id, cfg.Alerts.Global.Merge(cfg.Alerts.ByStation[id]))...)
	}
	for _, k := range cfg.Alerts.Disabled {
		if _, ok := models.ParseAlertKind(k); !ok {
			add("alerts.disabled: unknown alert kind %q", k)
		}
	}

	for _, r := range cfg.Recipients {
		for _, ch := range r.Channels {
			if r.Recipient().Address(models.Channel(ch)) == "" {
				add("recipient %q: channel %s enabled without an address", r.Name, ch)
			}
		}
		for _, id := range r.Stations {
			if !stations[id] {
				add("recipient %q: unknown station %q", r.Name, id)
			}
		}
	}

	for _, sev := range sortedKeys(cfg.Notify.Routing) {
		if models.Severity(sev).Rank() == 0 {
			add("notify.routing: unknown severity %q", sev)
		}
		for _, ch := range cfg.Notify.Routing[sev] {
			if !knownChannel(ch) {
				add("notify.routing.%s: unknown channel %q", sev, ch)
			}
		}
	}
	for _, ch := range sortedKeys(cfg.Notify.Throttle) {
		if !knownChannel(ch) {
			add("notify.throttle: unknown channel %q", ch)
		}
	}

	for _, m := range cfg.Training.Scheduled {
		if _, ok := models.ParseVariable(m.Target); !ok {
			add("training.scheduled %q: unknown target %q", m.Family, m.Target)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"ingestion":         cfg.Schedule.Ingestion,
		"alerts":            cfg.Schedule.Alerts,
		"retrain":           cfg.Schedule.Retrain,
		"forecast":          cfg.Schedule.Forecast,
		"report":            cfg.Schedule.Report,
		"seasonal_patterns": cfg.Schedule.SeasonalPatterns,
		"indices":           cfg.Schedule.Indices,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			add("schedule.%s: %v", name, err)
		}
	}
	if !cfg.Schedule.IndicesWithIngestion && cfg.Schedule.Indices == "" {
		add("schedule.indices is required when indices_with_ingestion is false")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return failure.New(failure.ConfigInvalid, "config.Validate", &ValidationError{Problems: problems})
}

func checkPhenology(crop string, spans []PhenologySpan) []string {
	var problems []string
	seen := make(map[int]string)
	for _, s := range spans {
		if !models.ValidStage(models.PhenologyStage(s.Stage)) {
			problems = append(problems, fmt.Sprintf("phenology.%s: unknown stage %q", crop, s.Stage))
		}
		if s.From < 1 || s.From > 12 || s.To < 1 || s.To > 12 {
			continue
		}
		for _, m := range s.Months() {
			if prev, ok := seen[m]; ok {
				problems = append(problems, fmt.Sprintf("phenology.%s: month %d mapped to both %s and %s", crop, m, prev, s.Stage))
			}
			seen[m] = s.Stage
		}
	}
	for m := 1; m <= 12; m++ {
		if _, ok := seen[m]; !ok {
			problems = append(problems, fmt.Sprintf("phenology.%s: month %d has no stage", crop, m))
		}
	}
	return problems
}

// Months expands the span, wrapping past December.
func (s PhenologySpan) Months() []int {
	var out []int
	for m := s.From; ; m = m%12 + 1 {
		out = append(out, m)
		if m == s.To {
			return out
		}
	}
}

func checkThresholds(scope string, t Thresholds) []string {
	var problems []string
	pair := func(lo, hi *float64, loName, hiName string) {
		if lo != nil && hi != nil && *lo >= *hi {
			problems = append(problems, fmt.Sprintf("%s: %s %.1f must be below %s %.1f", scope, loName, *lo, hiName, *hi))
		}
	}
	pair(t.FrostCritical, t.FrostWarning, "frost_critical", "frost_warning")
	pair(t.HeatHigh, t.HeatCritical, "heat_high", "heat_critical")
	pair(t.WindMedium, t.WindHigh, "wind_medium", "wind_high")
	pair(t.HumidityLow, t.HumidityHigh, "humidity_low", "humidity_high")
	return problems
}

func knownChannel(ch string) bool {
	for _, c := range models.Channels {
		if string(c) == ch {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
