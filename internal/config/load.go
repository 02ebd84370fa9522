package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/metgo/quillota/internal/failure"
)

// env holds deployment knobs and secrets read from METGO_* variables.
// Unprefixed names are accepted as a fallback (OPENAI_API_KEY in particular).
type env struct {
	DBPath              string `envconfig:"DB_PATH"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
	LogFormat           string `envconfig:"LOG_FORMAT"`
	APIAddr             string `envconfig:"API_ADDR"`
	OpenMeteoToken      string `envconfig:"OPENMETEO_TOKEN"`
	OpenWeatherMapToken string `envconfig:"OPENWEATHERMAP_TOKEN"`
	SMTPPassword        string `envconfig:"SMTP_PASSWORD"`
	SMSToken            string `envconfig:"SMS_TOKEN"`
	MQTTPassword        string `envconfig:"MQTT_PASSWORD"`
	FTPPassword         string `envconfig:"FTP_PASSWORD"`
	OpenAIKey           string `envconfig:"OPENAI_API_KEY"`
}

// Load builds the configuration from defaults, the YAML document at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, failure.New(failure.ConfigInvalid, "config.Load", err)
		}
		if err := Decode(b, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays a YAML document onto cfg. Unknown fields are rejected.
func Decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return failure.New(failure.ConfigInvalid, "config.Decode", fmt.Errorf("parse yaml: %w", err))
	}
	return nil
}

// ApplyEnv overrides cfg with values from the environment.
func ApplyEnv(cfg *Config) error {
	var e env
	if err := envconfig.Process("METGO", &e); err != nil {
		return failure.New(failure.ConfigInvalid, "config.ApplyEnv", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Path, e.DBPath)
	set(&cfg.Log.Level, e.LogLevel)
	set(&cfg.Log.Format, e.LogFormat)
	set(&cfg.API.Addr, e.APIAddr)
	set(&cfg.Notify.SMTP.Password, e.SMTPPassword)
	set(&cfg.Notify.SMS.Token, e.SMSToken)
	set(&cfg.Notify.MQTT.Password, e.MQTTPassword)
	set(&cfg.Report.FTP.Password, e.FTPPassword)
	set(&cfg.Report.OpenAIKey, e.OpenAIKey)

	for i := range cfg.Providers {
		switch cfg.Providers[i].Name {
		case "openmeteo":
			set(&cfg.Providers[i].AuthToken, e.OpenMeteoToken)
		case "openweathermap":
			set(&cfg.Providers[i].AuthToken, e.OpenWeatherMapToken)
		}
	}
	return nil
}
