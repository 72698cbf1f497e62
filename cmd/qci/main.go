package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/pipeline"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/config"
	appLogger "github.com/youngcaesar/qci-sync/pkg/logger"
)

var cfg *config.Config

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qci",
		Short:         "QCI scoring and incremental synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := appLogger.Init(loaded.Logging.Level, loaded.Logging.Format, loaded.Logging.OutputPath); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			appLogger.Sync()
		},
	}

	root.AddCommand(
		newMigrateCmd(),
		newSyncCmd(),
		newMonitorCmd(),
		newServeCmd(),
		newRunCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the analysis, run and run log tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			appLogger.Info("Schema ready", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var (
		limit     int
		batchSize int
		job       string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Score every eligible call that has no analysis yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("limit") {
				cfg.Sync.Limit = limit
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Sync.BatchSize = batchSize
			}
			if cmd.Flags().Changed("job") {
				cfg.Sync.JobName = job
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			p, err := eng.pipeline()
			if err != nil {
				return err
			}

			rec, err := p.RunExclusive(ctx, eng.locker)
			if rec.ID != "" {
				printRun(cmd.OutOrStdout(), rec)
			}
			if errors.Is(err, pipeline.ErrRunInProgress) {
				appLogger.Warn("Another run of this job is in progress", zap.String("job", p.JobName()))
			}
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum calls to score in this run (0 = no limit)")
	cmd.Flags().IntVar(&batchSize, "batch-size", pipeline.DefaultBatchSize, "records per write batch")
	cmd.Flags().StringVar(&job, "job", "", "job name used for the run record and lock")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report analysis coverage and score distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			out := cmd.OutOrStdout()
			if !watch {
				snap, err := eng.monitor.Once(ctx)
				if err != nil {
					return err
				}
				printProgress(out, snap)
				return nil
			}

			if !cmd.Flags().Changed("interval") {
				interval = cfg.Monitor.Interval
			}
			_, err = eng.monitor.Run(ctx, interval, func(snap models.ProgressSnapshot) {
				printProgress(out, snap)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "poll until every eligible call is analyzed")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval in watch mode")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect recorded sync runs",
	}

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print a run with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run %s: %w", args[0], err)
			}
			entries, err := store.ListLogs(cmd.Context(), rec.ID)
			if err != nil {
				return fmt.Errorf("failed to list logs: %w", err)
			}

			out := cmd.OutOrStdout()
			printRun(out, *rec)
			printLogs(out, entries)
			return nil
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			printRunTable(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	cmd.AddCommand(show, list)
	return cmd
}
