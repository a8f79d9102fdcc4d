package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/tribal-census/internal/api"
	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/engine"
	"github.com/talgya/tribal-census/internal/feed"
)

func (a *app) newRunCommand() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest every hour until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext()
			defer cancel()

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			eng := a.newEngine(db)
			eng.Immediate = now

			if a.cfg.HTTPAddr != "" {
				srv := &api.Server{Eng: eng, DB: db, Addr: a.cfg.HTTPAddr, Logger: a.logger.With("component", "api")}
				srv.Start()
				defer func() {
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
			}

			if err := eng.Run(ctx); err != nil {
				if errors.Is(err, engine.ErrFatal) {
					a.logger.Error("giving up", "error", err)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "start the first cycle immediately")
	return cmd
}

func (a *app) newOnceCommand() *cobra.Command {
	var archive, notify bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single ingestion cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext()
			defer cancel()

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := a.newEngine(db).RunCycle(ctx, engine.CycleOptions{Archive: archive, Notify: notify})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "cycle %s: %d worlds in %s\n", report.ID, report.Worlds, report.Duration)
			for _, kind := range census.Kinds {
				fmt.Fprintf(a.stdout, "  %-8s %10s rows  %d fallback(s)  %d skipped line(s)\n",
					kind, humanize.Comma(int64(report.Rows[kind])), report.Fallbacks[kind], report.Skipped[kind])
			}
			if report.Archived {
				fmt.Fprintln(a.stdout, "  archive rotated")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "rotate the archive after loading")
	cmd.Flags().BoolVar(&notify, "notify", false, "publish the status notification")
	return cmd
}

func (a *app) newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop the partitions and metadata of worlds no market lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext()
			defer cancel()

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Setup(ctx); err != nil {
				return err
			}
			feeds := feed.NewClient(a.cfg.FeedOptions(a.logger))
			pass, err := a.newRegistry(feeds, db).Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d live worlds, %d dropped", len(pass.Live), len(pass.Dropped))
			if len(pass.Dropped) > 0 {
				fmt.Fprintf(a.stdout, ": %s", strings.Join(pass.Dropped, ", "))
			}
			fmt.Fprintln(a.stdout)
			return nil
		},
	}
}

func (a *app) newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the base tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext()
			defer cancel()

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Setup(ctx); err != nil {
				return err
			}
			a.logger.Info("tables ready")
			return nil
		},
	}
}
