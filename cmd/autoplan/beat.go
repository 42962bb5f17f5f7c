package main

import (
	"github.com/spf13/cobra"

	"autoplan/internal/app"
	"autoplan/internal/logger"
)

var beatCmd = &cobra.Command{
	Use:   "beat",
	Short: "Fire periodic entries into the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			log := logger.New("beat")
			if !a.Distributed() {
				log.Warnf("no redis_url: jobs stay in this process and no worker will see them")
			}
			b, err := a.Beat(ctx)
			if err != nil {
				return err
			}
			if err := b.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			b.Stop()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(beatCmd)
}
