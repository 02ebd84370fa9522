package models

import (
	"fmt"
	"time"
)

type AlertKind string

const (
	AlertFrost                AlertKind = "frost"
	AlertHeat                 AlertKind = "heat"
	AlertWind                 AlertKind = "wind"
	AlertDrySpell             AlertKind = "dry-spell"
	AlertHumidityLow          AlertKind = "humidity-low"
	AlertHumidityHigh         AlertKind = "humidity-high"
	AlertPressureLow          AlertKind = "pressure-low"
	AlertPrecipitationIntense AlertKind = "precipitation-intense"
	AlertRapidChange          AlertKind = "rapid-change"
	AlertDiseaseRisk          AlertKind = "disease-risk"
	AlertPestRisk             AlertKind = "pest-risk"
	AlertDataQuality          AlertKind = "data-quality"
)

var AlertKinds = []AlertKind{
	AlertFrost, AlertHeat, AlertWind, AlertDrySpell, AlertHumidityLow, AlertHumidityHigh,
	AlertPressureLow, AlertPrecipitationIntense, AlertRapidChange, AlertDiseaseRisk,
	AlertPestRisk, AlertDataQuality,
}

func ParseAlertKind(s string) (AlertKind, bool) {
	for _, k := range AlertKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type Channel string

const (
	ChannelMessaging Channel = "messaging"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWebhook   Channel = "webhook"
)

var Channels = []Channel{ChannelMessaging, ChannelEmail, ChannelSMS, ChannelWebhook}

// Comparison is the operator of a threshold: the rule fires when value <op> threshold.
type Comparison string

const (
	AtOrBelow Comparison = "le"
	AtOrAbove Comparison = "ge"
)

type Threshold struct {
	Value    float64
	Severity Severity
}

// AlertRule describes one typed trigger. Thresholds are checked most severe first.
type AlertRule struct {
	ID         string
	Kind       AlertKind
	Variable   Variable
	Comparison Comparison
	Thresholds []Threshold
	Cooldown   time.Duration
	Audience   []string
	Enabled    bool
}

type DispatchStatus string

const (
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "failed"
	DispatchThrottled DispatchStatus = "throttled"
	DispatchSkipped   DispatchStatus = "skipped"
)

type ChannelDispatch struct {
	Channel   Channel
	Recipient string
	Status    DispatchStatus
	Attempts  int
	Error     string
	At        time.Time
}

type AlertEvent struct {
	ID          string
	RuleID      string
	Kind        AlertKind
	Severity    Severity
	StationID   string
	TriggeredAt time.Time
	Values      map[string]float64
	Message     string
	DedupKey    string
	Audience    []string
	Source      string // "observation", "forecast", "ingestion"
	Dispatches  []ChannelDispatch
	CreatedAt   time.Time
}

// DedupKey builds kind|station|severity|hour-bucket.
func DedupKey(kind AlertKind, stationID string, sev Severity, at time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", kind, stationID, sev, at.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

type Recipient struct {
	Name      string
	Roles     []string
	Messaging string
	Email     string
	Phone     string
	Webhook   string
	Channels  []Channel
	Stations  []string
}

// Address returns the recipient's address for a channel, empty when not configured.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelMessaging:
		return r.Messaging
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelWebhook:
		return r.Webhook
	}
	return ""
}

func (r Recipient) HasRole(role string) bool {
	for _, rr := range r.Roles {
		if rr == role {
			return true
		}
	}
	return false
}

func (r Recipient) Enabled(ch Channel) bool {
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Watches reports whether the recipient follows a station. An empty list follows all stations.
func (r Recipient) Watches(stationID string) bool {
	if len(r.Stations) == 0 {
		return true
	}
	for _, s := range r.Stations {
		if s == stationID {
			return true
		}
	}
	return false
}
