package config

import "time"

func f(v float64) *float64 { return &v }

// Default returns the Quillota and Casablanca deployment.
func Default() *Config {
	return &Config{
		Timezone: "America/Santiago",
		Database: DatabaseConfig{Path: "data/metgo.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Stations: []StationConfig{
			{ID: "quillota_centro", Name: "Quillota Centro", Region: "quillota", Lat: -32.8833, Lon: -71.25, Elevation: 150, SoilClass: "franco", PrimaryCrop: "palto", MarineInfluence: "medium"},
			{ID: "la_cruz", Name: "La Cruz", Region: "quillota", Lat: -32.8167, Lon: -71.2167, Elevation: 380, SoilClass: "franco_arcilloso", PrimaryCrop: "uva", MarineInfluence: "medium"},
			{ID: "nogueira", Name: "Nogueira", Region: "quillota", Lat: -32.9333, Lon: -71.2167, Elevation: 520, SoilClass: "franco_arenoso", PrimaryCrop: "citricos", MarineInfluence: "low"},
			{ID: "colliguay", Name: "Colliguay", Region: "quillota", Lat: -32.95, Lon: -71.1833, Elevation: 680, SoilClass: "arenoso", PrimaryCrop: "hortalizas", MarineInfluence: "very-low"},
			{ID: "san_isidro", Name: "San Isidro", Region: "quillota", Lat: -32.85, Lon: -71.30, Elevation: 200, SoilClass: "franco", PrimaryCrop: "cereales", MarineInfluence: "high"},
			{ID: "hijuelas", Name: "Hijuelas", Region: "quillota", Lat: -32.7833, Lon: -71.15, Elevation: 420, SoilClass: "franco_arcilloso", PrimaryCrop: "palto", MarineInfluence: "low"},
			{ID: "casablanca_centro", Name: "Casablanca Centro", Region: "casablanca", Lat: -33.3167, Lon: -71.4167, Elevation: 230, SoilClass: "franco_arcilloso", PrimaryCrop: "uva_vinifera", MarineInfluence: "medium"},
			{ID: "casablanca_lo_ovalle", Name: "Lo Ovalle", Region: "casablanca", Lat: -33.35, Lon: -71.3833, Elevation: 280, SoilClass: "granitico", PrimaryCrop: "uva_vinifera", MarineInfluence: "low"},
		},
		Providers: []ProviderConfig{
			{Name: "openmeteo", Enabled: true, Priority: 1, TimeoutS: 30, MaxRetries: 3},
			{Name: "openweathermap", Enabled: false, Priority: 2, TimeoutS: 30, MaxRetries: 3},
			{Name: "synthetic", Enabled: true, Priority: 99, TimeoutS: 30, MaxRetries: 0},
		},
		Ingestion: IngestionConfig{
			SyntheticFallback: true,
			MaxRejectFraction: 0.2,
			Concurrency:       4,
			Seed:              42,
			BackfillDays:      7,
			ArchivePayloads:   true,
		},
		Training: TrainingConfig{
			R2Floor:     0.80,
			MinSamples:  50,
			CVFolds:     5,
			SelectK:     50,
			Workers:     0,
			ArtifactDir: "data/models",
			Seed:        42,
			Scheduled: []ScheduledModel{
				{Family: "temperature_mean_voting", Target: "temperature_mean", Kind: "voting", Algorithms: []string{"bagging", "boosting", "extra_trees"}},
				{Family: "temperature_min_adaptive", Target: "temperature_min", Kind: "adaptive"},
			},
		},
		Forecast: ForecastConfig{
			Strategy:         "climatology",
			Horizon:          7,
			DefaultEpistemic: 0.1,
			Persist:          true,
			VerifyWindowDays: 30,
		},
		Crops: map[string]CropConfig{
			"palto":        {FrostCritical: 2, FrostWarning: 5},
			"citricos":     {FrostCritical: -2, FrostWarning: 3},
			"uva":          {FrostCritical: 0, FrostWarning: 4},
			"uva_vinifera": {FrostCritical: 0, FrostWarning: 4},
			"nogal":        {FrostCritical: -3, FrostWarning: 2},
			"hortalizas":   {FrostCritical: 0, FrostWarning: 3},
			"cereales":     {FrostCritical: -2, FrostWarning: 2},
		},
		Phenology: defaultPhenology(),
		Alerts: AlertsConfig{
			Cooldown:        60 * time.Minute,
			ForecastHorizon: 3,
			Audience:        []string{"agricultural"},
			Global: Thresholds{
				FrostCritical:  f(0),
				FrostWarning:   f(3),
				HeatHigh:       f(35),
				HeatCritical:   f(40),
				WindMedium:     f(25),
				WindHigh:       f(40),
				HumidityLow:    f(30),
				HumidityHigh:   f(85),
				PressureLow:    f(1000),
				PrecipIntense:  f(20),
				RapidChange:    f(10),
				DrySpellDays:   f(30),
				DataQualityMax: f(0.2),
			},
		},
		Recipients: []RecipientConfig{
			{
				Name:      "operaciones",
				Roles:     []string{"agricultural"},
				Messaging: "metgo/agricultural",
				Email:     "operaciones@metgo.cl",
				Phone:     "+56912345678",
				Channels:  []string{"messaging", "email", "sms"},
			},
		},
		Notify: NotifyConfig{
			Routing: map[string][]string{
				"critical": {"messaging", "email", "sms"},
				"high":     {"messaging", "email"},
				"medium":   {"email"},
				"low":      {"webhook"},
			},
			Throttle: map[string]time.Duration{
				"messaging": 5 * time.Minute,
				"email":     15 * time.Minute,
				"sms":       30 * time.Minute,
			},
			MaxRetries:  3,
			RetryBase:   500 * time.Millisecond,
			Concurrency: 4,
			MQTT:        MQTTConfig{ClientID: "metgo", TopicPrefix: "metgo/alerts"},
			SMTP:        SMTPConfig{Port: 587},
			Webhook:     WebhookConfig{TimeoutS: 10},
			Kafka:       KafkaConfig{Topic: "metgo.alerts"},
		},
		Schedule: ScheduleConfig{
			Ingestion:            "@hourly",
			Alerts:               "@every 5m",
			Retrain:              "0 3 * * *",
			Forecast:             "30 6 * * *",
			Report:               "0 7 * * *",
			SeasonalPatterns:     "30 4 * * 0",
			IndicesWithIngestion: true,
		},
		API: APIConfig{Addr: ":8080"},
		Report: ReportConfig{
			OutputDir:   "data/reports",
			OpenAIModel: "gpt-4o-mini",
		},
	}
}

// defaultPhenology covers the southern-hemisphere calendar of each crop.
func defaultPhenology() map[string][]PhenologySpan {
	vine := []PhenologySpan{
		{From: 6, To: 8, Stage: "dormancy"},
		{From: 9, To: 10, Stage: "budbreak"},
		{From: 11, To: 12, Stage: "flowering"},
		{From: 1, To: 1, Stage: "set"},
		{From: 2, To: 2, Stage: "development"},
		{From: 3, To: 3, Stage: "maturity"},
		{From: 4, To: 5, Stage: "harvest"},
	}
	generic := []PhenologySpan{
		{From: 6, To: 7, Stage: "dormancy"},
		{From: 8, To: 8, Stage: "budbreak"},
		{From: 9, To: 10, Stage: "flowering"},
		{From: 11, To: 11, Stage: "set"},
		{From: 12, To: 1, Stage: "development"},
		{From: 2, To: 3, Stage: "maturity"},
		{From: 4, To: 5, Stage: "harvest"},
	}
	return map[string][]PhenologySpan{
		"palto": {
			{From: 9, To: 10, Stage: "flowering"},
			{From: 11, To: 12, Stage: "set"},
			{From: 1, To: 4, Stage: "development"},
			{From: 5, To: 6, Stage: "maturity"},
			{From: 7, To: 8, Stage: "harvest"},
		},
		"citricos": {
			{From: 6, To: 7, Stage: "dormancy"},
			{From: 8, To: 8, Stage: "budbreak"},
			{From: 9, To: 10, Stage: "flowering"},
			{From: 11, To: 11, Stage: "set"},
			{From: 12, To: 2, Stage: "development"},
			{From: 3, To: 4, Stage: "maturity"},
			{From: 5, To: 5, Stage: "harvest"},
		},
		"uva":          vine,
		"uva_vinifera": vine,
		"nogal": {
			{From: 5, To: 8, Stage: "dormancy"},
			{From: 9, To: 9, Stage: "budbreak"},
			{From: 10, To: 10, Stage: "flowering"},
			{From: 11, To: 11, Stage: "set"},
			{From: 12, To: 2, Stage: "development"},
			{From: 3, To: 3, Stage: "maturity"},
			{From: 4, To: 4, Stage: "harvest"},
		},
		"hortalizas": generic,
		"cereales":   generic,
	}
}
