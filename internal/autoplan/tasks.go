package autoplan

import (
	"context"
	"errors"

	"autoplan/internal/jobs"
)

// Periodic task names.
const (
	TaskRunChain     = "autoplan.run_chain"
	TaskSettle       = "autoplan.settle"
	TaskEnrichRoutes = "autoplan.enrich_routes"
)

// Tasks bundles what the worker needs to run each periodic task.
type Tasks struct {
	Chain    *Chain
	Settler  *Settler
	Enricher *Enricher
	Settle   SettleOptions
}

// Register binds every task this package knows to w.
func (t Tasks) Register(w *jobs.Worker) {
	if t.Chain != nil {
		w.Register(TaskRunChain, t.RunChain)
	}
	if t.Settler != nil {
		w.Register(TaskSettle, t.RunSettle)
	}
	if t.Enricher != nil {
		w.Register(TaskEnrichRoutes, t.EnrichRoutes)
	}
}

// RunChain runs one pass of the chain. With only_missing set it also sweeps
// trips still missing routes after the pass.
func (t Tasks) RunChain(ctx context.Context, j jobs.Job) error {
	run := t.Chain.Run(ctx, RunOptions{Limit: j.Kwargs.Limit})
	if j.Kwargs.OnlyMissing && t.Enricher != nil {
		if _, err := t.Enricher.EnrichMissing(ctx, j.Kwargs.Limit); err != nil {
			return err
		}
	}
	if run.Error != "" {
		return errors.New(run.Error)
	}
	return nil
}

func (t Tasks) RunSettle(ctx context.Context, _ jobs.Job) error {
	_, err := t.Settler.Settle(ctx, t.Settle)
	return err
}

func (t Tasks) EnrichRoutes(ctx context.Context, j jobs.Job) error {
	_, err := t.Enricher.EnrichMissing(ctx, j.Kwargs.Limit)
	return err
}
