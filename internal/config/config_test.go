package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/failure"
)

func problems(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, failure.ConfigInvalid, failure.KindOf(err))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "want *ValidationError, got %T", err)
	return verr.Problems
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/test.db
stations:
  - id: quillota_centro
    name: Quillota Centro
    lat: -32.8833
    lon: -71.25
    elevation: 150
    primary_crop: palto
    marine_influence: medium
alerts:
  cooldown: 30m
  audience: [agricultural]
  by_station:
    quillota_centro:
      heat_high: 33
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	require.Len(t, cfg.Stations, 1)
	assert.Equal(t, "30m0s", cfg.Alerts.Cooldown.String())

	r := cfg.ThresholdsFor("quillota_centro")
	assert.Equal(t, 33.0, r.HeatHigh)
	assert.Equal(t, 40.0, r.HeatCritical)
	assert.Equal(t, 2.0, r.FrostCritical, "palto frost table overrides the global rule")
	assert.Equal(t, 5.0, r.FrostWarning)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stationz: []\n"), 0o644))

	_, err := Load(path)
	assert.Equal(t, failure.ConfigInvalid, failure.KindOf(err))
	assert.Equal(t, 2, failure.ExitCode(err))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("METGO_DB_PATH", "/var/lib/metgo.db")
	t.Setenv("METGO_OPENWEATHERMAP_TOKEN", "owm-secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "/var/lib/metgo.db", cfg.Database.Path)
	assert.Equal(t, "owm-secret", cfg.Providers[1].AuthToken)
	assert.Equal(t, "sk-test", cfg.Report.OpenAIKey)
}

func TestValidate_CrossField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "duplicate station",
			mutate: func(c *Config) { c.Stations = append(c.Stations, c.Stations[0]) },
			want:   `duplicate station id "quillota_centro"`,
		},
		{
			name:   "invalid latitude",
			mutate: func(c *Config) { c.Stations[0].Lat = -120 },
			want:   "Stations[0].Lat",
		},
		{
			name:   "overlapping provider priority",
			mutate: func(c *Config) { c.Providers[1].Enabled = true; c.Providers[1].Priority = 1 },
			want:   "share priority 1",
		},
		{
			name: "non-monotone heat thresholds",
			mutate: func(c *Config) {
				v := 45.0
				c.Alerts.Global.HeatHigh = &v
			},
			want: "heat_high 45.0 must be below heat_critical 40.0",
		},
		{
			name:   "frost table inverted",
			mutate: func(c *Config) { c.Crops["palto"] = CropConfig{FrostCritical: 5, FrostWarning: 2} },
			want:   `crop "palto": frost_critical`,
		},
		{
			name: "phenology gap",
			mutate: func(c *Config) {
				c.Phenology["palto"] = c.Phenology["palto"][:4]
			},
			want: "phenology.palto: month 7 has no stage",
		},
		{
			name: "phenology overlap",
			mutate: func(c *Config) {
				c.Phenology["nogal"] = append(append([]PhenologySpan{}, c.Phenology["nogal"]...), PhenologySpan{From: 4, To: 5, Stage: "harvest"})
			},
			want: "phenology.nogal: month 4 mapped to both",
		},
		{
			name:   "bad cron",
			mutate: func(c *Config) { c.Schedule.Retrain = "every day" },
			want:   "schedule.retrain",
		},
		{
			name:   "channel without address",
			mutate: func(c *Config) { c.Recipients[0].Phone = "" },
			want:   "channel sms enabled without an address",
		},
		{
			name:   "unknown routing channel",
			mutate: func(c *Config) { c.Notify.Routing["low"] = []string{"pager"} },
			want:   `unknown channel "pager"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			got := problems(t, Validate(cfg))
			found := false
			for _, p := range got {
				if strings.Contains(p, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "problems %v do not mention %q", got, tt.want)
		})
	}
}

func TestPhenologySpan_MonthsWrap(t *testing.T) {
	assert.Equal(t, []int{12, 1, 2}, PhenologySpan{From: 12, To: 2}.Months())
	assert.Equal(t, []int{5}, PhenologySpan{From: 5, To: 5}.Months())
}
