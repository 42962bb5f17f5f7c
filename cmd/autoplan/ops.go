package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"autoplan/internal/app"
	"autoplan/internal/autoplan"
)

var (
	runLimit    int
	runSince    string
	windowHours int
	enrichLimit int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run audit, apply, push and confirm once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		var since time.Time
		if runSince != "" {
			t, err := parseSince(runSince, time.Now().UTC())
			if err != nil {
				return err
			}
			since = t
		}
		return withApp(ctx, func(a *app.App) error {
			a.StartEnrichment()
			run := a.Chain.Run(ctx, autoplan.RunOptions{Limit: runLimit, Since: since})
			// drain async enrichment before printing
			a.Chain.Stop()
			return printJSON(cmd.OutOrStdout(), run)
		})
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Link or age out accept audits that apply never marked",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			o := a.Cfg.Settle.Options()
			if windowHours > 0 {
				o.Window = time.Duration(windowHours) * time.Hour
			}
			sum, err := a.Settler.Settle(ctx, o)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Report unapplied accept audits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			window := a.Cfg.Settle.Options().Window
			if windowHours > 0 {
				window = time.Duration(windowHours) * time.Hour
			}
			st, err := a.Settler.BacklogStats(ctx, window)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fill missing routes on confirmed and in-progress trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			sum, err := a.Enricher.EnrichMissing(ctx, enrichLimit)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "rows per stage (0 uses chain.limit)")
	runCmd.Flags().StringVar(&runSince, "since", "", "feed lower bound: RFC3339 time or a duration back from now (e.g. 6h)")
	settleCmd.Flags().IntVar(&windowHours, "window-hours", 0, "look-back window in hours (capped at 24)")
	backlogCmd.Flags().IntVar(&windowHours, "window-hours", 0, "look-back window in hours (capped at 24)")
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 100, "trips per sweep")
	rootCmd.AddCommand(runCmd, settleCmd, backlogCmd, enrichCmd)
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want RFC3339 or duration, got %q", v)
	}
	return t, nil
}
