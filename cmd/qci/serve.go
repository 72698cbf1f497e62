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

	"github.com/youngcaesar/qci-sync/internal/api"
	"github.com/youngcaesar/qci-sync/internal/api/handlers"
	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/middleware/ratelimit"
	"github.com/youngcaesar/qci-sync/internal/pipeline"
	appLogger "github.com/youngcaesar/qci-sync/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the progress stream and the optional sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	appLogger.Info("Starting QCI sync server")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	p, err := eng.pipeline()
	if err != nil {
		return err
	}

	metrics.Init()

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.TriggerRatePerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	deps := map[string]handlers.Pinger{"store": eng.store}
	if eng.redis != nil {
		deps["redis"] = eng.redis
	}

	runHandler := handlers.NewRunHandler(p, eng.store, eng.locker)
	app := api.NewApp(api.Handlers{
		Health:   handlers.NewHealthHandler(deps),
		Runs:     runHandler,
		Progress: handlers.NewProgressHandler(eng.monitor, eng.cache),
		Stream:   handlers.NewWebSocketHandler(eng.monitor, cfg.Monitor.Interval),
	}, api.Options{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Development:  cfg.Server.Development,
		AccessLog:    cfg.Server.Development,
		TriggerLimit: limiter.Middleware(),
		MaxRunLimit:  100000,
	})

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		schedule(ctx, p, eng.locker, cfg.Sync.Schedule)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			appLogger.Error("Server failed", zap.Error(err))
			cancel()
			<-schedulerDone
			return err
		}
	}

	appLogger.Info("Server shutting down gracefully...")
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	<-schedulerDone
	runHandler.Wait()
	appLogger.Info("Server stopped")
	return nil
}

// schedule runs the pipeline every interval until ctx is done. A tick that
// finds the job locked is skipped.
func schedule(ctx context.Context, p *pipeline.Pipeline, locker pipeline.Locker, every time.Duration) {
	if every <= 0 {
		return
	}
	appLogger.Info("Sync scheduler started", zap.String("job", p.JobName()), zap.Duration("every", every))

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			appLogger.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
		}

		rec, err := p.RunExclusive(ctx, locker)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			appLogger.Info("Scheduled run skipped, job busy", zap.String("job", p.JobName()))
		case err != nil:
			appLogger.Error("Scheduled run failed", zap.String("run_id", rec.ID), zap.Error(err))
		default:
			appLogger.Info("Scheduled run finished",
				zap.String("run_id", rec.ID),
				zap.Int("inserted", rec.Counts.Inserted),
				zap.Int("failed", rec.Counts.Failed),
			)
		}
	}
}
