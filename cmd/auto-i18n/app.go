package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/CalmProton/auto-i18n/internal/api"
	"github.com/CalmProton/auto-i18n/internal/api/handler"
	mw "github.com/CalmProton/auto-i18n/internal/api/middleware"
	"github.com/CalmProton/auto-i18n/internal/batch"
	"github.com/CalmProton/auto-i18n/internal/cache"
	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/files"
	"github.com/CalmProton/auto-i18n/internal/jobs"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/internal/provider/anthropic"
	"github.com/CalmProton/auto-i18n/internal/provider/mock"
	"github.com/CalmProton/auto-i18n/internal/provider/openai"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/CalmProton/auto-i18n/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

// app holds the long-lived collaborators shared by the serve and worker commands.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	store   store.Store
	cache   cache.Cache
	queue   *queue.Client
	batches *batch.Service
	files   *files.FS
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		pool.Close()
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	a, err := assemble(cfg, store.NewPostgresStore(pool), redisCache)
	if err != nil {
		pool.Close()
		redisCache.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

// assemble wires the domain services on top of an already connected store and cache.
func assemble(cfg *config.Config, st store.Store, c cache.Cache) (*app, error) {
	registry, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("batch providers configured", "providers", registry.Names(), "default", cfg.Batch.DefaultProvider)

	prompts := batch.DefaultPrompts()
	if cfg.Batch.PromptsFile != "" {
		prompts, err = batch.LoadPrompts(cfg.Batch.PromptsFile)
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = worker.DefaultID()
	}

	fs := files.NewFS(cfg.Files.Root)
	return &app{
		cfg:   cfg,
		store: st,
		cache: c,
		queue: queue.NewClient(st, workerID, cfg.Worker.MaxAttempts),
		batches: batch.NewService(st, fs, registry, batch.Options{
			Prompts:         prompts,
			MaxOutputTokens: cfg.Batch.MaxOutputTokens,
			Status:          c,
		}),
		files: fs,
	}, nil
}

// buildProviders registers the mock provider plus every remote provider with
// credentials.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry(cfg.Batch.DefaultProvider, mock.NewProvider(cfg.Providers.Mock))
	if cfg.Providers.OpenAI.APIKey != "" {
		registry.Register(openai.NewProvider(cfg.Providers.OpenAI))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		registry.Register(anthropic.NewProvider(cfg.Providers.Anthropic))
	}
	if _, err := registry.Get(""); err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	return registry, nil
}

// Router builds the HTTP handler tree.
func (a *app) Router() http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.Server.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(a.store, a.cache),
		CreateBatch:   handler.InvalidatesStats(a.cache, handler.NewCreateBatchHandler(a.queue)),
		GetBatch:      handler.NewGetBatchHandler(a.batches),
		BatchStatus:   handler.NewBatchStatusHandler(a.batches, a.cache),
		SubmitBatch:   handler.InvalidatesStats(a.cache, handler.NewSubmitBatchHandler(a.batches, a.queue)),
		RefreshBatch:  handler.InvalidatesStats(a.cache, handler.NewRefreshBatchHandler(a.batches)),
		CancelBatch:   handler.InvalidatesStats(a.cache, handler.NewCancelBatchHandler(a.batches)),
		GetJob:        handler.NewGetJobHandler(a.queue),
		CancelJob:     handler.InvalidatesStats(a.cache, handler.NewCancelJobHandler(a.queue)),
		StatsHandler:  handler.NewStatsHandler(a.queue, a.batches, a.cache, a.cfg.Redis.StatsTTL),
	})
}

// Scheduler builds the worker scheduler with every job handler registered.
func (a *app) Scheduler() *worker.Scheduler {
	s := worker.New(a.queue, worker.OptionsFromConfig(a.cfg.Worker))
	jobs.NewHandlers(a.batches, a.queue, a.files, jobs.LogFinalizer{}, jobs.PollOptionsFromConfig(a.cfg.Batch)).Register(s)
	return s
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		slog.Warn("closing redis", "error", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
