// Command censusd mirrors the public world data of every Tribal Wars market
// into PostgreSQL once an hour and keeps a rolling daily archive of it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/talgya/tribal-census/internal/config"
	"github.com/talgya/tribal-census/internal/engine"
	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/merge"
	"github.com/talgya/tribal-census/internal/persistence"
	"github.com/talgya/tribal-census/internal/registry"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		slog.Error("censusd failed", "error", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{cfg: config.Default(), stdout: stdout}
	var configFile string

	rc := &cobra.Command{
		Use:           "censusd",
		Short:         "Hourly Tribal Wars world census ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(viper.New(), cmd.Flags(), configFile); err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			logger, err := a.cfg.NewLogger(stderr)
			if err != nil {
				return err
			}
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	rc.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	a.cfg.Flags(rc.PersistentFlags())

	rc.AddCommand(a.newRunCommand())
	rc.AddCommand(a.newOnceCommand())
	rc.AddCommand(a.newCleanupCommand())
	rc.AddCommand(a.newSetupCommand())

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openDB connects to the database and waits until it answers.
func (a *app) openDB(ctx context.Context) (*persistence.DB, error) {
	db, err := persistence.Open(a.cfg.DSN, a.cfg.DBOptions())
	if err != nil {
		return nil, err
	}
	if err := waitForDB(ctx, db, a.cfg.Wait, a.logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (a *app) newRegistry(feeds *feed.Client, db *persistence.DB) *registry.Registry {
	reg := registry.New(feeds, db, a.cfg.Markets())
	reg.DailyHour = a.cfg.DailyHour
	reg.Logger = a.logger.With("component", "registry")
	return reg
}

func (a *app) newEngine(db *persistence.DB) *engine.Engine {
	feeds := feed.NewClient(a.cfg.FeedOptions(a.logger))

	m := merge.NewMerger(feeds, db, a.cfg.Markets())
	m.Gzip = a.cfg.Gzip
	m.Logger = a.logger.With("component", "merge")

	e := engine.New(a.newRegistry(feeds, db), m, db)
	e.DailyHour = a.cfg.DailyHour
	e.MaxRestarts = a.cfg.MaxRestarts
	e.MaxArchivedDays = a.cfg.MaxArchivedDays
	e.BackoffBase = a.cfg.BackoffBase
	e.Workers = a.cfg.Workers
	e.Logger = a.logger.With("component", "engine")
	return e
}

// waitForDB pings the database with exponential backoff until it responds.
// Gives up after timeout.
func waitForDB(ctx context.Context, db *persistence.DB, timeout time.Duration, logger *slog.Logger) error {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(timeout)

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := db.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("database is ready")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("database not ready within %s: %w", timeout, err)
		}
		logger.Info("database not ready, retrying...", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
