package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes against the server",
	Long: `Sync runs one pass over the queued changes and reports the outcome.
With --watch it keeps running, draining on every poll interval, on every
retry deadline and whenever another process rewrites the session.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, connectivity and queue state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var syncWatch bool

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)

	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "Keep syncing until interrupted")
}

func runSync(cmd *cobra.Command, _ []string) error {
	if syncWatch {
		return runSyncWatch(cmd.Context())
	}

	report, err := apiClient.Worker.Drain(cmd.Context())
	switch {
	case errors.Is(err, models.ErrOffline):
		render(map[string]interface{}{"success": false, "offline": true}, func() {
			printWarning("Server unreachable, nothing sent")
		})
		return nil
	case errors.Is(err, models.ErrNotAuthenticated) && report.Attempted == 0:
		return fail(err, "Not signed in, run 'notesync login'")
	case models.IsSessionEnded(err):
		if outputFormat == "text" {
			printReport(report)
		}
		return fail(err, "Session ended, run 'notesync login' to continue")
	case err != nil:
		return fail(err, "Sync")
	}

	render(report, func() { printReport(report) })
	return nil
}

func runSyncWatch(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printInfo("Watching for changes (Ctrl+C to stop)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(apiClient.Worker.Run(gctx))
	})
	g.Go(func() error {
		return apiClient.Creds.Watch(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-apiClient.Worker.Events():
				if !ok {
					return nil
				}
				printEvent(ev)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fail(err, "Sync stopped")
	}
	printDim("Stopped")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	st, err := apiClient.Status(cmd.Context())
	if err != nil {
		return fail(err, "Read status")
	}
	if st.Jobs == nil {
		st.Jobs = []models.SyncJob{}
	}

	render(st, func() {
		if st.Authenticated {
			printSuccess("Signed in")
		} else {
			printWarning("Not signed in")
		}
		if st.Online {
			printSuccess("Server reachable (%s)", cfg.API.BaseURL)
		} else {
			printWarning("Server unreachable (%s)", cfg.API.BaseURL)
		}
		printLine("%d note(s), %d unconfirmed", st.Notes, st.Unconfirmed)

		if len(st.Jobs) == 0 {
			printDim("No queued changes")
			return
		}
		printLine("")
		printInfo("Queued changes:")
		for _, job := range st.Jobs {
			line := "  " + job.String() + " " + string(job.Status)
			if !job.NextAttemptAt.IsZero() {
				line += ", next " + job.NextAttemptAt.Local().Format(time.TimeOnly)
			}
			printLine("%s", line)
			if job.LastError != "" {
				printDim("    %s", job.LastError)
			}
		}
	})
	return nil
}

func printReport(r sync.Report) {
	if r.Attempted == 0 && r.Remaining == 0 {
		printDim("Nothing to sync")
		return
	}
	printSuccess("%d of %d change(s) synced in %s", r.Succeeded, r.Attempted, r.Duration.Round(time.Millisecond))
	if r.Retrying > 0 {
		printWarning("%d change(s) will be retried", r.Retrying)
	}
	if r.Failed > 0 {
		printError("%d change(s) rejected and dropped", r.Failed)
	}
	if r.Remaining > 0 {
		msg := "%d change(s) still queued"
		if !r.NextAttemptAt.IsZero() {
			printDim(msg+", next attempt at %s", r.Remaining, r.NextAttemptAt.Local().Format(time.TimeOnly))
		} else {
			printDim(msg, r.Remaining)
		}
	}
}

func printEvent(ev sync.Event) {
	if outputFormat != "text" {
		out := map[string]interface{}{
			"type":      ev.Type,
			"timestamp": ev.Timestamp,
		}
		if ev.Job != nil {
			out["job"] = ev.Job
		}
		if ev.Report != nil {
			out["report"] = ev.Report
		}
		if ev.Error != nil {
			out["error"] = ev.Error.Error()
		}
		render(out, nil)
		return
	}

	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	switch ev.Type {
	case sync.EventJobSucceeded:
		printSuccess("%s %s", ts, ev.Job)
	case sync.EventJobRetrying:
		printWarning("%s %s: %v", ts, ev.Job, ev.Error)
	case sync.EventJobFailed:
		printError("%s %s: %v", ts, ev.Job, ev.Error)
	case sync.EventPassCompleted:
		if ev.Report != nil && ev.Report.Attempted > 0 {
			printDim("%s pass: %d ok, %d retrying, %d failed, %d queued",
				ts, ev.Report.Succeeded, ev.Report.Retrying, ev.Report.Failed, ev.Report.Remaining)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
