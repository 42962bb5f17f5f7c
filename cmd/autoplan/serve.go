package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"autoplan/internal/app"
	"autoplan/internal/logger"
)

var embedded bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error { return serve(ctx, a) })
	},
}

func init() {
	serveCmd.Flags().BoolVar(&embedded, "embedded", false, "also run worker and beat in this process (always on without redis_url)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app.App) error {
	log := logger.New("serve")
	a.StartEnrichment()

	if embedded || !a.Distributed() {
		w := a.Worker()
		w.Start()
		defer func() { close(w.Stop); w.Wait() }()
		beat, err := a.Beat(ctx)
		if err != nil {
			return err
		}
		if err := beat.Start(ctx); err != nil {
			return err
		}
		defer beat.Stop()
		log.Infof("worker and beat running in-process")
	}

	srv := &http.Server{
		Addr:              a.Cfg.HTTP.Addr,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("API listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}
