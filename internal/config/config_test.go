package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "driving", cfg.Routing.Profile)
	assert.Equal(t, 8*time.Second, cfg.Routing.Timeout)
	assert.Equal(t, 70.0, cfg.Routing.FallbackSpeedKmh)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 168, cfg.Cache.TTLHours)
	assert.Equal(t, 168*time.Hour, cfg.Cache.Options().TTL)
	assert.Equal(t, 5, cfg.Cache.Precision)

	th := cfg.Confirm.Thresholds()
	assert.Equal(t, 0.45, th.PMin)
	assert.Equal(t, []model.TripStatus{model.StatusDraft}, th.AllowedStatuses)
	assert.Equal(t, 72*time.Hour, th.Dynamic.Lookback)

	so := cfg.Settle.Options()
	assert.Equal(t, 6*time.Hour, so.Window)
	assert.Equal(t, 120*time.Second, so.Stale)

	e := cfg.Schedule.Entry()
	assert.Equal(t, "autoplan.run_chain", e.Task)
	assert.Equal(t, "*/5 * * * *", e.Schedule.Spec())
	assert.Equal(t, 48*time.Hour, cfg.ChainOptions().PushHorizon)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoplan.yaml")
	data := `routing:
  base_url: "http://osrm:5000"
  timeout: 3s
confirm:
  p_min: 0.5
  allowed_statuses: [draft, error]
settle:
  window_hours: 48
schedule:
  minute: "*/2"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("AUTOPLAN_CONFIRM__RPM_MIN", "130")
	t.Setenv("AUTOPLAN_CACHE__ENABLED", "false")
	t.Setenv("AUTOPLAN_DATABASE_URL", "postgres://localhost/autoplan")

	cfg, err := Load(path)
	require.NoError(t, err)
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"base_url", cfg.Routing.BaseURL, "http://osrm:5000"},
		{"timeout", cfg.Routing.Timeout, 3 * time.Second},
		{"p_min", cfg.Confirm.PMin, 0.5},
		{"rpm_min", cfg.Confirm.RPMMin, 130.0},
		{"allowed", cfg.Confirm.AllowedStatuses, []string{"draft", "error"}},
		{"cache", cfg.Cache.Enabled, false},
		{"database_url", cfg.DatabaseURL, "postgres://localhost/autoplan"},
		{"settle window capped", cfg.Settle.Options().Window, 24 * time.Hour},
		{"schedule", cfg.Schedule.Entry().Schedule.Spec(), "*/2 * * * *"},
	}
	for _, c := range checks {
		assert.Equal(t, c.want, c.got, c.name)
	}
}

func TestLoadEnvStatusList(t *testing.T) {
	t.Setenv("AUTOPLAN_CONFIRM__ALLOWED_STATUSES", "draft,error")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []model.TripStatus{model.StatusDraft, model.StatusError}, cfg.Confirm.Thresholds().AllowedStatuses)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"p_min":     func(c *Config) { c.Confirm.PMin = 1.5 },
		"freeze":    func(c *Config) { c.Confirm.FreezeHours = 30 },
		"status":    func(c *Config) { c.Confirm.AllowedStatuses = []string{"bogus"} },
		"backend":   func(c *Config) { c.Cache.Backend = "memcache" },
		"redis":     func(c *Config) { c.Cache.Backend = "redis" },
		"timeout":   func(c *Config) { c.Routing.Timeout = 0 },
		"task":      func(c *Config) { c.Schedule.Task = "" },
		"timezone":  func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
		"limit":     func(c *Config) { c.Chain.Limit = 0 },
		"push":      func(c *Config) { c.Push.HorizonHours = 0 },
		"cache_ttl": func(c *Config) { c.Cache.TTLHours = 0 },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			mut(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load("autoplan.toml")
	assert.Error(t, err)
}
