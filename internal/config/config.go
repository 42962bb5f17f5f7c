// Package config loads service settings from an optional YAML/JSON file and
// AUTOPLAN_* environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"autoplan/internal/autoplan"
	"autoplan/internal/jobs"
	"autoplan/internal/model"
	"autoplan/internal/policy"
	"autoplan/internal/routecache"
	"autoplan/internal/routing"
	"autoplan/internal/schedule"
)

const EnvPrefix = "AUTOPLAN_"

type RoutingConfig struct {
	BaseURL          string        `json:"base_url"`
	Profile          string        `json:"profile"`
	Timeout          time.Duration `json:"timeout"`
	FallbackSpeedKmh float64       `json:"fallback_speed_kmh"`
	RatePerSec       float64       `json:"rate_per_sec"`
	Burst            int           `json:"burst"`
}

func (c RoutingConfig) Options() routing.Options {
	return routing.Options{
		BaseURL: c.BaseURL, Profile: c.Profile, Timeout: c.Timeout,
		FallbackSpeedKmh: c.FallbackSpeedKmh, RatePerSec: c.RatePerSec, Burst: c.Burst,
	}
}

type CacheConfig struct {
	Enabled  bool `json:"enabled"`
	TTLHours int  `json:"ttl_hours"`
	// Backend is "store" or "redis".
	Backend   string `json:"backend"`
	Precision int    `json:"precision"`
}

func (c CacheConfig) Options() routecache.Options {
	return routecache.Options{Enabled: c.Enabled, TTL: time.Duration(c.TTLHours) * time.Hour, Precision: c.Precision}
}

type DynamicRPMConfig struct {
	Enabled       bool    `json:"enabled"`
	Quantile      float64 `json:"quantile"`
	Floor         float64 `json:"floor"`
	LookbackHours int     `json:"lookback_hours"`
	MinSamples    int     `json:"min_samples"`
}

type ConfirmConfig struct {
	PMin            float64          `json:"p_min"`
	RPMMin          float64          `json:"rpm_min"`
	HorizonHours    float64          `json:"horizon_hours"`
	FreezeHours     float64          `json:"freeze_hours"`
	AllowedStatuses []string         `json:"allowed_statuses"`
	DynamicRPM      DynamicRPMConfig `json:"dynamic_rpm"`
}

func (c ConfirmConfig) Thresholds() policy.Thresholds {
	st := make([]model.TripStatus, 0, len(c.AllowedStatuses))
	for _, s := range c.AllowedStatuses {
		st = append(st, model.TripStatus(strings.TrimSpace(s)))
	}
	return policy.Thresholds{
		PMin: c.PMin, RPMMin: c.RPMMin, HorizonHours: c.HorizonHours, FreezeHours: c.FreezeHours,
		AllowedStatuses: st,
		Dynamic: policy.DynamicRPM{
			Enabled: c.DynamicRPM.Enabled, Quantile: c.DynamicRPM.Quantile, Floor: c.DynamicRPM.Floor,
			Lookback: time.Duration(c.DynamicRPM.LookbackHours) * time.Hour, MinSamples: c.DynamicRPM.MinSamples,
		},
	}
}

type SettleConfig struct {
	WindowHours  int `json:"window_hours"`
	StaleSeconds int `json:"stale_seconds"`
}

func (c SettleConfig) Options() autoplan.SettleOptions {
	return autoplan.SettleOptions{
		Window: time.Duration(c.WindowHours) * time.Hour,
		Stale:  time.Duration(c.StaleSeconds) * time.Second,
	}.Normalize()
}

type PushConfig struct {
	HorizonHours int `json:"horizon_hours"`
}

type ChainConfig struct {
	Limit         int  `json:"limit"`
	OnlyMissing   bool `json:"only_missing"`
	AsyncEnrich   bool `json:"async_enrich"`
	EnrichWorkers int  `json:"enrich_workers"`
	SampleErrors  int  `json:"sample_errors"`
	// FailUnroutable moves trips whose segments can never be routed to error.
	FailUnroutable bool `json:"fail_unroutable"`
}

type ScheduleConfig struct {
	Name        string `json:"name"`
	Task        string `json:"task"`
	Minute      string `json:"minute"`
	Hour        string `json:"hour"`
	Queue       string `json:"queue"`
	Limit       int    `json:"limit"`
	OnlyMissing bool   `json:"only_missing"`
	// ExtraFile lists further entries as YAML or JSON.
	ExtraFile string `json:"extra_file"`
	Timezone  string `json:"timezone"`
	// SettleMinute and EnrichMinute drive the built-in settle and
	// enrich_routes entries. Empty disables the entry.
	SettleMinute string `json:"settle_minute"`
	EnrichMinute string `json:"enrich_minute"`
}

func (c ScheduleConfig) Entry() schedule.Entry {
	return schedule.Entry{
		Name: c.Name, Task: c.Task,
		Schedule: schedule.Schedule{Minute: c.Minute, Hour: c.Hour},
		Kwargs:   jobs.Kwargs{Limit: c.Limit, OnlyMissing: c.OnlyMissing},
		Queue:    c.Queue,
	}
}

// Defaults returns the built-in periodic entries besides the chain trigger.
func (c ScheduleConfig) Defaults() []schedule.Entry {
	var out []schedule.Entry
	if c.SettleMinute != "" {
		out = append(out, schedule.Entry{
			Name: "autoplan-settle", Task: autoplan.TaskSettle,
			Schedule: schedule.Schedule{Minute: c.SettleMinute, Hour: "*"},
			Queue:    c.Queue,
		})
	}
	if c.EnrichMinute != "" {
		out = append(out, schedule.Entry{
			Name: "autoplan-enrich-routes", Task: autoplan.TaskEnrichRoutes,
			Schedule: schedule.Schedule{Minute: c.EnrichMinute, Hour: "*"},
			Kwargs:   jobs.Kwargs{Limit: c.Limit},
			Queue:    c.Queue,
		})
	}
	return out
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type FeedConfig struct {
	// Path is a CSV file or a directory of CSV files.
	Path string `json:"path"`
}

type Config struct {
	Routing            RoutingConfig  `json:"routing"`
	Cache              CacheConfig    `json:"cache"`
	Confirm            ConfirmConfig  `json:"confirm"`
	Settle             SettleConfig   `json:"settle"`
	Push               PushConfig     `json:"push"`
	Chain              ChainConfig    `json:"chain"`
	Schedule           ScheduleConfig `json:"schedule"`
	HTTP               HTTPConfig     `json:"http"`
	Feed               FeedConfig     `json:"feed"`
	DatabaseURL        string         `json:"database_url"`
	RedisURL           string         `json:"redis_url"`
	StatementTimeoutMS int            `json:"statement_timeout_ms"`
}

func defaults() map[string]any {
	th := policy.DefaultThresholds()
	return map[string]any{
		"routing.profile":            routing.DefaultProfile,
		"routing.timeout":            routing.DefaultTimeout.String(),
		"routing.fallback_speed_kmh": routing.DefaultFallbackSpeedKmh,
		"routing.rate_per_sec":       0,
		"routing.burst":              1,

		"cache.enabled":   true,
		"cache.ttl_hours": int(routecache.DefaultTTL / time.Hour),
		"cache.backend":   "store",
		"cache.precision": routecache.DefaultPrecision,

		"confirm.p_min":                      th.PMin,
		"confirm.rpm_min":                    th.RPMMin,
		"confirm.horizon_hours":              th.HorizonHours,
		"confirm.freeze_hours":               th.FreezeHours,
		"confirm.allowed_statuses":           []string{string(model.StatusDraft)},
		"confirm.dynamic_rpm.enabled":        false,
		"confirm.dynamic_rpm.quantile":       th.Dynamic.Quantile,
		"confirm.dynamic_rpm.floor":          th.Dynamic.Floor,
		"confirm.dynamic_rpm.lookback_hours": int(th.Dynamic.Lookback / time.Hour),
		"confirm.dynamic_rpm.min_samples":    th.Dynamic.MinSamples,

		"settle.window_hours":  int(autoplan.DefaultSettleWindow / time.Hour),
		"settle.stale_seconds": int(autoplan.DefaultSettleStale / time.Second),

		"push.horizon_hours": 48,

		"chain.limit":          100,
		"chain.only_missing":   true,
		"chain.async_enrich":   true,
		"chain.enrich_workers": 4,
		"chain.sample_errors":  5,

		"schedule.name":          "autoplan-chain",
		"schedule.task":          autoplan.TaskRunChain,
		"schedule.minute":        "*/5",
		"schedule.hour":          "*",
		"schedule.queue":         jobs.DefaultQueue,
		"schedule.limit":         100,
		"schedule.only_missing":  true,
		"schedule.timezone":      "UTC",
		"schedule.settle_minute": "*/10",
		"schedule.enrich_minute": "*/15",

		"http.addr":            ":8080",
		"statement_timeout_ms": 5000,
	}
}

// Load reads defaults, then path when non-empty, then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	// comma-separated lists arrive from the environment as one string
	if len(cfg.Confirm.AllowedStatuses) == 1 && strings.Contains(cfg.Confirm.AllowedStatuses[0], ",") {
		cfg.Confirm.AllowedStatuses = strings.Split(cfg.Confirm.AllowedStatuses[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Confirm.Thresholds().Validate(); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if c.Routing.Timeout <= 0 {
		return fmt.Errorf("routing.timeout must be positive")
	}
	if c.Routing.FallbackSpeedKmh <= 0 {
		return fmt.Errorf("routing.fallback_speed_kmh must be positive")
	}
	switch c.Cache.Backend {
	case "store":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("cache.backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be positive")
	}
	if c.Push.HorizonHours <= 0 {
		return fmt.Errorf("push.horizon_hours must be positive")
	}
	if c.Chain.Limit <= 0 {
		return fmt.Errorf("chain.limit must be positive")
	}
	if err := c.Schedule.Entry().Validate(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

func (c *Config) ChainOptions() autoplan.Options {
	return autoplan.Options{
		Limit:          c.Chain.Limit,
		PushHorizon:    time.Duration(c.Push.HorizonHours) * time.Hour,
		AsyncEnrich:    c.Chain.AsyncEnrich,
		SampleErrors:   c.Chain.SampleErrors,
		FailUnroutable: c.Chain.FailUnroutable,
	}
}

func (c *Config) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutMS) * time.Millisecond
}
