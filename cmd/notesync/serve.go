package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync worker and the local websocket feed",
	Long: `Serve runs the background sync worker and publishes the local note list
over a websocket at /notes/stream. Every client receives the full list on
connect and again after every change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override the feed listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveListen != "" {
		cfg.Feed.Listen = serveListen
	}

	if err := apiClient.Notes.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Initial refresh failed, serving cached notes")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiClient.Feed().ListenAndServe(gctx)
	})
	g.Go(func() error {
		return ignoreCanceled(apiClient.Worker.Run(gctx))
	})
	g.Go(func() error {
		return apiClient.Creds.Watch(gctx)
	})

	printInfo("Serving feed on ws://%s/notes/stream (Ctrl+C to stop)", cfg.Feed.Listen)
	if err := g.Wait(); err != nil {
		return fail(err, "Serve")
	}
	printDim("Stopped")
	return nil
}
