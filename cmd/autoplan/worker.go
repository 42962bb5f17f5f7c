package main

import (
	"github.com/spf13/cobra"

	"autoplan/internal/app"
	"autoplan/internal/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume scheduled jobs from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			log := logger.New("worker")
			if !a.Distributed() {
				log.Warnf("no redis_url: this worker only sees jobs enqueued in its own process")
			}
			a.StartEnrichment()
			w := a.Worker()
			w.Start()
			log.Infof("worker consuming queue %s", w.Name)
			<-ctx.Done()
			close(w.Stop)
			w.Wait()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
