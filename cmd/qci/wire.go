package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	cache "github.com/youngcaesar/qci-sync/internal/cache/redis"
	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/lexicon"
	"github.com/youngcaesar/qci-sync/internal/llm"
	"github.com/youngcaesar/qci-sync/internal/monitor"
	"github.com/youngcaesar/qci-sync/internal/pipeline"
	"github.com/youngcaesar/qci-sync/internal/scoring"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/internal/storage/postgres"
	"github.com/youngcaesar/qci-sync/internal/storage/sqlite"
	"github.com/youngcaesar/qci-sync/pkg/config"
	appLogger "github.com/youngcaesar/qci-sync/pkg/logger"
)

// openStore connects to the configured backend and makes sure the schema
// exists.
func openStore(ctx context.Context, db config.DatabaseConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch db.Driver {
	case "postgres":
		store, err = postgres.NewClient(ctx, db.PostgresDSN)
	case "sqlite3":
		store, err = sqlite.NewClient(db.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

type progressCache interface {
	pipeline.Locker
	monitor.Sink
	LatestProgress(ctx context.Context) (models.ProgressSnapshot, bool, error)
}

// engine holds the long-lived components shared by sync, monitor and serve.
type engine struct {
	cfg     *config.Config
	store   storage.Store
	redis   *cache.Client
	cache   progressCache
	locker  pipeline.Locker
	gate    gate.Gate
	monitor *monitor.Monitor
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	eng := &engine{
		cfg:   cfg,
		store: store,
		gate:  gate.New(cfg.Gate.MinTranscriptLength),
	}

	if cfg.Redis.Enabled {
		rc, err := cache.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.LockTTL,
			cfg.Redis.ProgressTTL,
		)
		if err != nil {
			store.Close()
			return nil, err
		}
		eng.redis = rc
		eng.cache = rc
	} else {
		appLogger.Info("Redis disabled, using in-process run lock")
		eng.cache = cache.NewLocal(cfg.Redis.ProgressTTL)
	}
	eng.locker = eng.cache
	eng.monitor = monitor.New(store, store, eng.gate, eng.cache)

	return eng, nil
}

// pipeline builds the sync pipeline. It needs the scoring adapter, so it is
// only constructed by commands that score.
func (e *engine) pipeline() (*pipeline.Pipeline, error) {
	if e.cfg.LLM.APIKey == "" && e.cfg.LLM.BaseURL == "" {
		return nil, fmt.Errorf("llm.apiKey (or OPENAI_API_KEY) is required to score calls")
	}

	lex, err := lexicon.Load(e.cfg.Lexicon.Path)
	if err != nil {
		return nil, err
	}
	appLogger.Info("Lexicon loaded",
		zap.String("version", lex.Version()),
		zap.Int("categories", len(lex.Categories())),
	)

	adapter := llm.NewClient(llm.Config{
		APIKey:      e.cfg.LLM.APIKey,
		BaseURL:     e.cfg.LLM.BaseURL,
		Model:       e.cfg.LLM.Model,
		Temperature: e.cfg.LLM.Temperature,
		MaxTokens:   e.cfg.LLM.MaxTokens,
		Timeout:     e.cfg.LLM.Timeout,
	})

	scorer := scoring.NewScorer(adapter, lex, scoring.Config{
		Retries:        e.cfg.Scoring.Retries,
		InitialBackoff: e.cfg.Scoring.InitialBackoff,
		Concurrency:    e.cfg.Scoring.Concurrency,
	})
	exec := pipeline.NewExecutor(e.store, e.cfg.Sync.BatchSize, e.cfg.Sync.BatchRetries, e.cfg.Sync.BatchRetryBackoff)

	return pipeline.New(e.store, e.store, e.store, e.gate, scorer, exec, pipeline.Options{
		JobName: e.cfg.Sync.JobName,
		Limit:   e.cfg.Sync.Limit,
	}), nil
}

func (e *engine) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			appLogger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := e.store.Close(); err != nil {
		appLogger.Warn("Failed to close store", zap.Error(err))
	}
}
