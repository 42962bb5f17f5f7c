// Package app assembles the pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"autoplan/internal/api"
	"autoplan/internal/autoplan"
	"autoplan/internal/config"
	"autoplan/internal/feed"
	"autoplan/internal/jobs"
	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/policy"
	"autoplan/internal/routecache"
	"autoplan/internal/routing"
	"autoplan/internal/schedule"
	"autoplan/internal/store"
)

type App struct {
	Cfg      *config.Config
	Store    store.Store
	Router   *routing.Provider
	Cache    *routecache.Cache
	Policy   *policy.Policy
	Enricher *autoplan.Enricher
	Chain    *autoplan.Chain
	Settler  *autoplan.Settler
	Queue    jobs.Queue
	Broker   api.EventBroker
	Log      logger.Logger

	closers []io.Closer
}

// New builds every component. Without database_url the in-memory store is
// used; without redis_url the queue and broker stay in-process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metrics.RegisterDefault()
	a := &App{Cfg: cfg, Log: logger.New("app")}

	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if strings.TrimSpace(dsn) == "" {
		a.Store = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(dsn, cfg.StatementTimeout())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := pg.Migrate(ctx); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Store = pg
	}

	a.Router = routing.NewProvider(cfg.Routing.Options(), logger.New("routing"))

	var backend routecache.Backend = routecache.StoreBackend{Store: a.Store}
	if cfg.Cache.Backend == "redis" {
		rb, err := routecache.NewRedisBackendFromURL(cfg.RedisURL, cfg.Cache.Options().TTL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("route cache: %w", err)
		}
		a.closers = append(a.closers, rb)
		backend = rb
	}
	a.Cache = routecache.New(backend, cfg.Cache.Options(), logger.New("routecache"))

	var src policy.RPMSource
	if cfg.Confirm.DynamicRPM.Enabled {
		src = a.Store
	}
	a.Policy = policy.New(cfg.Confirm.Thresholds(), src, logger.New("policy"))

	a.Enricher = autoplan.NewEnricher(a.Store, a.Cache, a.Router, a.Router.Profile(), logger.New("enrich"))
	a.Enricher.Workers = cfg.Chain.EnrichWorkers
	a.Enricher.SampleErrors = cfg.Chain.SampleErrors

	a.Chain = autoplan.NewChain(a.Store, a.Policy, a.Enricher, cfg.ChainOptions(), logger.New("chain"))
	if cfg.Feed.Path != "" {
		a.Chain.Feed = feed.CSVFeed{Path: cfg.Feed.Path}
	}
	a.Settler = autoplan.NewSettler(a.Store, logger.New("settle"))

	if cfg.RedisURL != "" {
		q, err := jobs.NewRedisQueueFromURL(cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("job queue: %w", err)
		}
		a.closers = append(a.closers, q)
		a.Queue = q
	} else {
		a.Queue = jobs.NewMemoryQueue(0)
	}
	a.Broker = api.NewBrokerFromURL(cfg.RedisURL, a.Log)
	if c, ok := a.Broker.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.Chain.Events = api.Notifier{Broker: a.Broker}
	return a, nil
}

// Distributed reports whether queue and events cross process boundaries.
func (a *App) Distributed() bool { return a.Cfg.RedisURL != "" }

// StartEnrichment launches the async enrichment pool when configured.
func (a *App) StartEnrichment() {
	if a.Cfg.Chain.AsyncEnrich {
		a.Chain.Start(a.Cfg.Chain.EnrichWorkers)
	}
}

func (a *App) Server() *api.Server {
	s := api.NewServer(a.Store, a.Chain, a.Settler, a.Broker, logger.New("api"))
	s.Settle = a.Cfg.Settle.Options()
	return s
}

func (a *App) Tasks() autoplan.Tasks {
	return autoplan.Tasks{Chain: a.Chain, Settler: a.Settler, Enricher: a.Enricher, Settle: a.Cfg.Settle.Options()}
}

// Worker returns a job worker bound to the configured queue with every task registered.
func (a *App) Worker() *jobs.Worker {
	w := jobs.NewWorker(a.Queue, a.Cfg.Schedule.Queue, logger.New("worker"))
	a.Tasks().Register(w)
	return w
}

// BeatConfig is the finalized entry set: the built-in settle and enrich
// entries, the optional extra file, then the anchored chain trigger. An extra
// entry for the same task replaces the built-in one.
func (a *App) BeatConfig() (*schedule.BeatConfig, *schedule.Anchor, error) {
	cfg := &schedule.BeatConfig{Entries: map[string]schedule.Entry{}}
	builtin := map[string]string{}
	for _, e := range a.Cfg.Schedule.Defaults() {
		cfg.Entries[e.Name] = e
		builtin[e.Task] = e.Name
	}
	if p := a.Cfg.Schedule.ExtraFile; p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		extra, err := schedule.DecodeEntries(data)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range extra {
			if name, ok := builtin[e.Task]; ok && name != e.Name {
				delete(cfg.Entries, name)
			}
			cfg.Entries[e.Name] = e
		}
	}
	anchor := schedule.NewAnchor(a.Cfg.Schedule.Entry(), logger.New("schedule"))
	anchor.OnConfigured(cfg)
	return cfg, anchor, nil
}

// Table returns the shared Redis table when configured, else a process-local one.
func (a *App) Table() (schedule.Table, error) {
	if a.Cfg.RedisURL == "" {
		return schedule.NewMemoryTable(), nil
	}
	t, err := schedule.NewRedisTableFromURL(a.Cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, t)
	return t, nil
}

// Beat seeds the table from the finalized config and returns an unstarted beat.
func (a *App) Beat(ctx context.Context) (*schedule.Beat, error) {
	cfg, anchor, err := a.BeatConfig()
	if err != nil {
		return nil, err
	}
	tbl, err := a.Table()
	if err != nil {
		return nil, err
	}
	if err := schedule.Seed(ctx, tbl, cfg); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(a.Cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}
	return schedule.NewBeat(tbl, a.Queue, anchor, loc, logger.New("beat")), nil
}

// Close stops enrichment and releases connections.
func (a *App) Close() error {
	if a.Chain != nil {
		a.Chain.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
