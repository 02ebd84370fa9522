// Package alerts turns observations, forecasts and ingestion quality reports
// into typed, deduplicated alert events.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

const (
	SourceObservation = "observation"
	SourceForecast    = "forecast"
	SourceIngestion   = "ingestion"
)

// Sink receives every emitted event, typically the notification dispatcher.
type Sink interface {
	Dispatch(ctx context.Context, ev *models.AlertEvent) error
}

type Engine struct {
	store *store.Store
	cfg   *config.Config
	sink  Sink
	loc   *time.Location
	log   *slog.Logger
	now   func() time.Time

	// mu makes the cooldown lookup and the insert one step.
	mu         sync.Mutex
	suppressed map[models.AlertKind]int
}

func NewEngine(s *store.Store, cfg *config.Config, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      s,
		cfg:        cfg,
		sink:       sink,
		loc:        s.Location(),
		log:        logger.With("component", "alerts"),
		now:        time.Now,
		suppressed: make(map[models.AlertKind]int),
	}
}

// Suppressed returns how many candidate events were dropped by cooldown, per kind.
func (e *Engine) Suppressed() map[models.AlertKind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[models.AlertKind]int, len(e.suppressed))
	for k, v := range e.suppressed {
		out[k] = v
	}
	return out
}

// EvaluateAll evaluates every active station. A failing station is logged and
// does not stop the others.
func (e *Engine) EvaluateAll(ctx context.Context) ([]models.AlertEvent, error) {
	stations, err := e.store.GetStations(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	var out []models.AlertEvent
	for _, st := range stations {
		evs, err := e.Evaluate(ctx, st.StationID)
		if err != nil {
			if failure.KindOf(err) == failure.Cancelled {
				return out, err
			}
			logging.Failure(ctx, e.log, "alert evaluation failed", err)
			continue
		}
		out = append(out, evs...)
	}
	return out, nil
}

// Evaluate checks the station's latest observation and its stored forecasts
// for the configured horizon. Re-evaluating the same data inside the cooldown
// emits nothing new.
func (e *Engine) Evaluate(ctx context.Context, stationID string) ([]models.AlertEvent, error) {
	const op = "alerts.Evaluate"
	if err := failure.FromContext(ctx, op); err != nil {
		return nil, err
	}
	st, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.Latest(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("latest observation: %w", err)
	}

	var candidates []models.AlertEvent
	if latest != nil {
		t := e.cfg.ThresholdsFor(stationID)
		history, err := e.store.LatestBefore(ctx, stationID, latest.Timestamp, int(t.DrySpellDays)+1)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		candidates = append(candidates, e.observationCandidates(*st, *latest, history)...)
	}

	if h := e.cfg.Alerts.ForecastHorizon; h > 0 {
		now := e.now()
		fcs, err := e.store.GetForecasts(ctx, store.ForecastFilter{
			StationID: stationID,
			From:      now,
			To:        now.AddDate(0, 0, h),
		})
		if err != nil {
			return nil, fmt.Errorf("forecasts: %w", err)
		}
		candidates = append(candidates, e.forecastCandidates(*st, newestRun(fcs))...)
	}
	return e.emit(ctx, candidates)
}

// DataQualityBreached raises a data-quality alert for an ingestion batch whose
// rejection rate reached the station's limit.
func (e *Engine) DataQualityBreached(ctx context.Context, q store.DataQuality) error {
	rules := Rules(q.StationID, e.cfg.ThresholdsFor(q.StationID), e.cfg.Alerts)
	r := ruleOf(rules, models.AlertDataQuality)
	if !r.Enabled {
		return nil
	}
	th, ok := Match(r, q.RejectionRate)
	if !ok {
		return nil
	}
	at := q.CheckedAt
	if at.IsZero() {
		at = e.now()
	}
	ev := e.event(r, th, q.StationID, at, SourceIngestion, map[string]float64{
		"rejection_rate": q.RejectionRate,
		"rejected":       float64(q.Rejected),
		"total":          float64(q.Total),
	}, fmt.Sprintf("data quality at %s: %d of %d rows rejected (%.0f%%)", q.StationID, q.Rejected, q.Total, q.RejectionRate*100))
	_, err := e.emit(ctx, []models.AlertEvent{ev})
	return err
}

func (e *Engine) observationCandidates(st models.Station, obs models.Observation, history []models.Observation) []models.AlertEvent {
	rules := Rules(st.StationID, e.cfg.ThresholdsFor(st.StationID), e.cfg.Alerts)
	var out []models.AlertEvent
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		var value float64
		switch r.Kind {
		case models.AlertDataQuality:
			continue
		case models.AlertRapidChange:
			if len(history) < 2 {
				continue
			}
			rate, ok := ratePerHour(history[len(history)-2], obs, r.Variable)
			if !ok {
				continue
			}
			value = rate
		case models.AlertDrySpell:
			value = float64(drySpell(history, e.loc))
		default:
			v := obs.Get(r.Variable)
			if !v.Valid {
				continue
			}
			value = v.Float64
		}
		th, ok := Match(r, value)
		if !ok {
			continue
		}
		out = append(out, e.event(r, th, st.StationID, obs.Timestamp, SourceObservation,
			map[string]float64{"value": value, "threshold": th.Value},
			describe(r, th, st.StationID, value, "")))
	}
	out = append(out, e.riskCandidates(st, obs)...)
	return out
}

// riskCandidates folds every matching pest or disease envelope of one kind
// into a single event carrying the most severe level.
func (e *Engine) riskCandidates(st models.Station, obs models.Observation) []models.AlertEvent {
	if st.PrimaryCrop == "" {
		return nil
	}
	byKind := make(map[models.AlertKind][]Envelope)
	for _, env := range Risks(st.PrimaryCrop, obs) {
		if e.disabled(env.Kind) {
			continue
		}
		byKind[env.Kind] = append(byKind[env.Kind], env)
	}
	var out []models.AlertEvent
	for _, kind := range []models.AlertKind{models.AlertDiseaseRisk, models.AlertPestRisk} {
		envs := byKind[kind]
		if len(envs) == 0 {
			continue
		}
		sev := envs[0].Severity
		names := make([]string, 0, len(envs))
		for _, env := range envs {
			names = append(names, env.Name)
			if env.Severity.Rank() > sev.Rank() {
				sev = env.Severity
			}
		}
		r := models.AlertRule{
			ID:       fmt.Sprintf("%s/%s", kind, st.PrimaryCrop),
			Kind:     kind,
			Audience: e.cfg.Alerts.Audience,
		}
		out = append(out, e.event(r, models.Threshold{Severity: sev}, st.StationID, obs.Timestamp, SourceObservation,
			map[string]float64{
				"temperature_mean": obs.TempMean.Float64,
				"humidity":         obs.Humidity.Float64,
			},
			fmt.Sprintf("%s at %s (%s): %s", kind, st.StationID, st.PrimaryCrop, strings.Join(names, ", "))))
	}
	return out
}

func (e *Engine) forecastCandidates(st models.Station, fcs []models.Forecast) []models.AlertEvent {
	rules := Rules(st.StationID, e.cfg.ThresholdsFor(st.StationID), e.cfg.Alerts)
	var out []models.AlertEvent
	for _, fc := range fcs {
		for _, r := range rules {
			if !r.Enabled || r.Variable != fc.Target {
				continue
			}
			switch r.Kind {
			case models.AlertRapidChange, models.AlertDrySpell, models.AlertDataQuality:
				continue
			}
			th, ok := Match(r, fc.Value)
			if !ok {
				continue
			}
			out = append(out, e.event(r, th, st.StationID, fc.TargetTime, SourceForecast,
				map[string]float64{
					"value":      fc.Value,
					"threshold":  th.Value,
					"horizon":    float64(fc.Horizon),
					"lower":      fc.Lower,
					"upper":      fc.Upper,
					"confidence": fc.Confidence,
				},
				describe(r, th, st.StationID, fc.Value, fmt.Sprintf(" forecast for %s", fc.TargetTime.In(e.loc).Format(time.DateOnly)))))
		}
	}
	return out
}

func (e *Engine) event(r models.AlertRule, th models.Threshold, stationID string, at time.Time, source string, values map[string]float64, msg string) models.AlertEvent {
	return models.AlertEvent{
		RuleID:      r.ID,
		Kind:        r.Kind,
		Severity:    th.Severity,
		StationID:   stationID,
		TriggeredAt: at,
		Values:      values,
		Message:     msg,
		DedupKey:    models.DedupKey(r.Kind, stationID, th.Severity, at),
		Audience:    r.Audience,
		Source:      source,
	}
}

// emit stores the candidates that are outside their cooldown and hands each
// stored event to the sink.
func (e *Engine) emit(ctx context.Context, candidates []models.AlertEvent) ([]models.AlertEvent, error) {
	var out []models.AlertEvent
	for _, ev := range candidates {
		stored, err := e.admit(ctx, ev)
		if err != nil {
			return out, err
		}
		if stored == nil {
			continue
		}
		if e.sink != nil {
			if err := e.sink.Dispatch(ctx, stored); err != nil {
				logging.Failure(ctx, e.log, "alert dispatch failed", err)
			}
		}
		out = append(out, *stored)
	}
	return out, nil
}

// admit stores ev unless an event with the same dedup key was created within
// the cooldown.
func (e *Engine) admit(ctx context.Context, ev models.AlertEvent) (*models.AlertEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	last, ok, err := e.store.LastEventForKey(ctx, ev.DedupKey)
	if err != nil {
		return nil, fmt.Errorf("cooldown lookup: %w", err)
	}
	if ok && now.Sub(last) < e.cfg.Alerts.Cooldown {
		e.suppressed[ev.Kind]++
		metrics.AlertsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
		logging.FromContext(ctx, e.log).Debug("alert suppressed", "key", ev.DedupKey)
		return nil, nil
	}

	ev.ID = uuid.NewString()
	ev.CreatedAt = now
	if err := e.store.SaveAlertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("save alert event: %w", err)
	}
	metrics.AlertsEmitted.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()
	logging.FromContext(ctx, e.log).Info("alert emitted",
		"kind", ev.Kind, "severity", ev.Severity, "station", ev.StationID, "source", ev.Source)
	return &ev, nil
}

func (e *Engine) disabled(kind models.AlertKind) bool {
	for _, k := range e.cfg.Alerts.Disabled {
		if k == string(kind) {
			return true
		}
	}
	return false
}

func ruleOf(rules []models.AlertRule, kind models.AlertKind) models.AlertRule {
	for _, r := range rules {
		if r.Kind == kind {
			return r
		}
	}
	return models.AlertRule{}
}

// newestRun keeps the most recently produced forecast per target and day.
func newestRun(fcs []models.Forecast) []models.Forecast {
	type key struct {
		target models.Variable
		at     time.Time
	}
	idx := make(map[key]int)
	var out []models.Forecast
	for _, fc := range fcs {
		k := key{fc.Target, fc.TargetTime.UTC()}
		if i, ok := idx[k]; ok {
			if fc.ProducedAt.After(out[i].ProducedAt) {
				out[i] = fc
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, fc)
	}
	return out
}

func describe(r models.AlertRule, th models.Threshold, stationID string, value float64, suffix string) string {
	op := "≥"
	if r.Comparison == models.AtOrBelow {
		op = "≤"
	}
	subject := string(r.Variable)
	switch r.Kind {
	case models.AlertRapidChange:
		subject = "temperature change per hour"
	case models.AlertDrySpell:
		subject = "dry days"
	}
	return fmt.Sprintf("%s %s at %s%s: %s %.1f %s %.1f", r.Kind, th.Severity, stationID, suffix, subject, value, op, th.Value)
}
