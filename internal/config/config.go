// Package config loads the single configuration document that declares
// stations, providers, alert rules, recipients and cadences.
//
// Loading order: defaults, then the YAML document (unknown fields rejected),
// then environment overrides. The result is validated once; every problem is
// reported together in a *ValidationError wrapped as failure.ConfigInvalid.
package config

import (
	"time"

	"github.com/metgo/quillota/internal/models"
)

type Config struct {
	Timezone   string                     `yaml:"timezone" validate:"required"`
	Database   DatabaseConfig             `yaml:"database"`
	Log        LogConfig                  `yaml:"log"`
	Stations   []StationConfig            `yaml:"stations" validate:"required,min=1,dive"`
	Providers  []ProviderConfig           `yaml:"providers" validate:"dive"`
	Ingestion  IngestionConfig            `yaml:"ingestion"`
	Training   TrainingConfig             `yaml:"training"`
	Forecast   ForecastConfig             `yaml:"forecast"`
	Crops      map[string]CropConfig      `yaml:"crops" validate:"dive"`
	Phenology  map[string][]PhenologySpan `yaml:"phenology" validate:"dive,dive"`
	Alerts     AlertsConfig               `yaml:"alerts"`
	Recipients []RecipientConfig          `yaml:"recipients" validate:"dive"`
	Notify     NotifyConfig               `yaml:"notify"`
	Schedule   ScheduleConfig             `yaml:"schedule"`
	API        APIConfig                  `yaml:"api"`
	Report     ReportConfig               `yaml:"report"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type StationConfig struct {
	ID              string  `yaml:"id" validate:"required"`
	Name            string  `yaml:"name" validate:"required"`
	Region          string  `yaml:"region"`
	Lat             float64 `yaml:"lat" validate:"latitude"`
	Lon             float64 `yaml:"lon" validate:"longitude"`
	Elevation       float64 `yaml:"elevation" validate:"min=-100,max=9000"`
	SoilClass       string  `yaml:"soil_class"`
	PrimaryCrop     string  `yaml:"primary_crop"`
	MarineInfluence string  `yaml:"marine_influence" validate:"oneof=very-high high medium low very-low"`
	Active          *bool   `yaml:"active"`
}

func (s StationConfig) Station() models.Station {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return models.Station{
		StationID:       s.ID,
		Name:            s.Name,
		Region:          s.Region,
		Latitude:        s.Lat,
		Longitude:       s.Lon,
		Elevation:       s.Elevation,
		SoilClass:       s.SoilClass,
		PrimaryCrop:     s.PrimaryCrop,
		MarineInfluence: models.MarineInfluence(s.MarineInfluence),
		Active:          active,
	}
}

type ProviderConfig struct {
	Name       string `yaml:"name" validate:"required,oneof=openmeteo openweathermap synthetic"`
	Enabled    bool   `yaml:"enabled"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	Priority   int    `yaml:"priority" validate:"min=0"`
	TimeoutS   int    `yaml:"timeout_s" validate:"min=1,max=600"`
	MaxRetries int    `yaml:"max_retries" validate:"min=0,max=10"`
}

func (p ProviderConfig) Timeout() time.Duration { return time.Duration(p.TimeoutS) * time.Second }

type IngestionConfig struct {
	SyntheticFallback bool    `yaml:"synthetic_fallback"`
	MaxRejectFraction float64 `yaml:"max_reject_fraction" validate:"gt=0,lte=1"`
	Concurrency       int     `yaml:"concurrency" validate:"min=1,max=64"`
	Seed              int64   `yaml:"seed"`
	BackfillDays      int     `yaml:"backfill_days" validate:"min=1"`
	ArchivePayloads   bool    `yaml:"archive_payloads"`
}

type TrainingConfig struct {
	R2Floor     float64 `yaml:"r2_floor" validate:"gte=0,lte=1"`
	MinSamples  int     `yaml:"min_samples" validate:"min=10"`
	CVFolds     int     `yaml:"cv_folds" validate:"min=2,max=20"`
	SelectK     int     `yaml:"select_k" validate:"min=1"`
	Workers     int     `yaml:"workers" validate:"min=0"`
	ArtifactDir string  `yaml:"artifact_dir" validate:"required"`
	Seed        int64   `yaml:"seed"`
	// Families retrained by the scheduler.
	Scheduled []ScheduledModel `yaml:"scheduled" validate:"dive"`
}

type ScheduledModel struct {
	Family string `yaml:"family" validate:"required"`
	Target string `yaml:"target" validate:"required"`
	Kind   string `yaml:"kind" validate:"oneof=single voting stacking adaptive"`
	// Algorithms lists base models for voting/stacking or the single algorithm.
	Algorithms []string `yaml:"algorithms"`
}

type ForecastConfig struct {
	Strategy         string  `yaml:"strategy" validate:"oneof=persistence climatology recursive"`
	Horizon          int     `yaml:"horizon" validate:"min=1,max=30"`
	DefaultEpistemic float64 `yaml:"default_epistemic" validate:"gte=0"`
	Persist          bool    `yaml:"persist"`
	// BiasCorrection subtracts the verified mean bias per horizon over the last VerifyWindowDays.
	BiasCorrection   bool `yaml:"bias_correction"`
	VerifyWindowDays int  `yaml:"verify_window_days" validate:"min=1"`
}

// CropConfig carries crop-specific frost thresholds in °C.
type CropConfig struct {
	FrostCritical float64 `yaml:"frost_critical"`
	FrostWarning  float64 `yaml:"frost_warning"`
}

// PhenologySpan maps an inclusive month range onto a stage. From > To wraps across the year end.
type PhenologySpan struct {
	From  int    `yaml:"from" validate:"min=1,max=12"`
	To    int    `yaml:"to" validate:"min=1,max=12"`
	Stage string `yaml:"stage" validate:"required"`
}

// Thresholds are the numeric triggers of the default rule set.
type Thresholds struct {
	FrostCritical  *float64 `yaml:"frost_critical,omitempty"`
	FrostWarning   *float64 `yaml:"frost_warning,omitempty"`
	HeatHigh       *float64 `yaml:"heat_high,omitempty"`
	HeatCritical   *float64 `yaml:"heat_critical,omitempty"`
	WindMedium     *float64 `yaml:"wind_medium,omitempty"`
	WindHigh       *float64 `yaml:"wind_high,omitempty"`
	HumidityLow    *float64 `yaml:"humidity_low,omitempty"`
	HumidityHigh   *float64 `yaml:"humidity_high,omitempty"`
	PressureLow    *float64 `yaml:"pressure_low,omitempty"`
	PrecipIntense  *float64 `yaml:"precip_intense,omitempty"`
	RapidChange    *float64 `yaml:"rapid_change,omitempty"`
	DrySpellDays   *float64 `yaml:"dry_spell_days,omitempty"`
	DataQualityMax *float64 `yaml:"data_quality_max,omitempty"`
}

type AlertsConfig struct {
	Cooldown        time.Duration         `yaml:"cooldown" validate:"gt=0"`
	ForecastHorizon int                   `yaml:"forecast_horizon" validate:"min=0,max=30"`
	Audience        []string              `yaml:"audience" validate:"min=1"`
	Global          Thresholds            `yaml:"global"`
	ByCrop          map[string]Thresholds `yaml:"by_crop"`
	ByStation       map[string]Thresholds `yaml:"by_station"`
	Disabled        []string              `yaml:"disabled"`
}

type RecipientConfig struct {
	Name      string   `yaml:"name" validate:"required"`
	Roles     []string `yaml:"roles" validate:"min=1"`
	Messaging string   `yaml:"messaging"`
	Email     string   `yaml:"email" validate:"omitempty,email"`
	Phone     string   `yaml:"phone" validate:"omitempty,e164"`
	Webhook   string   `yaml:"webhook" validate:"omitempty,url"`
	Channels  []string `yaml:"channels" validate:"dive,oneof=messaging email sms webhook"`
	Stations  []string `yaml:"stations"`
}

func (r RecipientConfig) Recipient() models.Recipient {
	rec := models.Recipient{
		Name:      r.Name,
		Roles:     r.Roles,
		Messaging: r.Messaging,
		Email:     r.Email,
		Phone:     r.Phone,
		Webhook:   r.Webhook,
		Stations:  r.Stations,
	}
	for _, c := range r.Channels {
		rec.Channels = append(rec.Channels, models.Channel(c))
	}
	return rec
}

type NotifyConfig struct {
	Routing     map[string][]string      `yaml:"routing"`
	Throttle    map[string]time.Duration `yaml:"throttle"`
	MaxRetries  int                      `yaml:"max_retries" validate:"min=0,max=10"`
	RetryBase   time.Duration            `yaml:"retry_base" validate:"gt=0"`
	Concurrency int                      `yaml:"concurrency" validate:"min=1"`
	MQTT        MQTTConfig               `yaml:"mqtt"`
	SMTP        SMTPConfig               `yaml:"smtp"`
	SMS         SMSConfig                `yaml:"sms"`
	Webhook     WebhookConfig            `yaml:"webhook"`
	Kafka       KafkaConfig              `yaml:"kafka"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

type SMSConfig struct {
	URL        string `yaml:"url" validate:"omitempty,url"`
	AccountSID string `yaml:"account_sid"`
	Token      string `yaml:"token"`
	From       string `yaml:"from" validate:"omitempty,e164"`
}

type WebhookConfig struct {
	TimeoutS int `yaml:"timeout_s" validate:"min=1"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ScheduleConfig holds cron expressions (robfig/cron syntax, descriptors allowed).
type ScheduleConfig struct {
	Ingestion        string `yaml:"ingestion" validate:"required"`
	Alerts           string `yaml:"alerts" validate:"required"`
	Retrain          string `yaml:"retrain" validate:"required"`
	Forecast         string `yaml:"forecast"`
	Report           string `yaml:"report"`
	SeasonalPatterns string `yaml:"seasonal_patterns"`
	// IndicesWithIngestion recomputes indices after each ingestion instead of on their own cadence.
	IndicesWithIngestion bool   `yaml:"indices_with_ingestion"`
	Indices              string `yaml:"indices"`
}

type APIConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type ReportConfig struct {
	OutputDir   string    `yaml:"output_dir"`
	Narrative   bool      `yaml:"narrative"`
	OpenAIModel string    `yaml:"openai_model"`
	OpenAIKey   string    `yaml:"openai_key"`
	FTP         FTPConfig `yaml:"ftp"`
}

type FTPConfig struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Dir      string `yaml:"dir"`
}

// StationByID returns the configured station with the given id.
func (c *Config) StationByID(id string) (StationConfig, bool) {
	for _, s := range c.Stations {
		if s.ID == id {
			return s, true
		}
	}
	return StationConfig{}, false
}

// ModelStations returns every configured station as a models.Station.
func (c *Config) ModelStations() []models.Station {
	out := make([]models.Station, 0, len(c.Stations))
	for _, s := range c.Stations {
		out = append(out, s.Station())
	}
	return out
}

func (c *Config) ModelRecipients() []models.Recipient {
	out := make([]models.Recipient, 0, len(c.Recipients))
	for _, r := range c.Recipients {
		out = append(out, r.Recipient())
	}
	return out
}

// Location returns the configured zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
