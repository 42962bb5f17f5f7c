package main

import (
	"github.com/spf13/cobra"

	"autoplan/internal/app"
	"autoplan/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect or repair periodic entries",
}

var scheduleDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the finalized beat entries as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			cfg, _, err := a.BeatConfig()
			if err != nil {
				return err
			}
			out, err := schedule.EncodeEntries(cfg.Sorted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		})
	},
}

var scheduleAnchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Rewrite the chain trigger in the scheduler table if it is missing or differs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			_, anchor, err := a.BeatConfig()
			if err != nil {
				return err
			}
			tbl, err := a.Table()
			if err != nil {
				return err
			}
			changed, err := anchor.OnBeatInit(ctx, tbl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"entry": anchor.Entry, "changed": changed})
		})
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleDumpCmd, scheduleAnchorCmd)
	rootCmd.AddCommand(scheduleCmd)
}
