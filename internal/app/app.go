// Package app wires the LLM access layer together. Each service is built
// once per configuration and shared by every caller in the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"archcanvas/llmservice/internal/auth"
	"archcanvas/llmservice/internal/cache"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/embedding"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/projection"
	"archcanvas/llmservice/internal/provider"
	"archcanvas/llmservice/internal/telemetry"
)

const (
	storePingTimeout = 2 * time.Second
	// storeDrain keeps a replaced weight store open for requests still
	// running on the previous services.
	storeDrain = 30 * time.Second
)

// services is one generation of the object graph, rebuilt on config reload.
type services struct {
	cfg        *config.Config
	factory    *llm.Factory
	local      *provider.LocalProvider
	embeddings *embedding.Service
	store      projection.WeightStore
	closeStore func() error
}

// App owns the shared services and the metrics provider.
type App struct {
	Telemetry *telemetry.Provider

	drain time.Duration

	mu      sync.RWMutex
	cur     *services
	retired []func()
}

// New builds every service from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", llmerr.ErrConfig, err)
	}
	log.SetLevel(cfg.LogLevel)
	for _, w := range cfg.Warnings() {
		log.ErrorLogger.Printf("Configuration warning: %s", w)
	}

	tp, err := telemetry.NewPrometheusProvider()
	if err != nil {
		return nil, err
	}
	a := &App{Telemetry: tp, drain: storeDrain}
	a.cur = a.build(ctx, cfg)
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) *services {
	m := a.Telemetry.Metrics

	tokens := auth.NewTokenCache(cfg.Token, auth.WithMetrics(m))
	local := provider.NewLocalProvider(cfg)
	adapters := []llm.Adapter{
		provider.NewAzureAdapter(cfg, tokens),
		provider.NewOpenAIAdapter(cfg),
		local.ChatAdapter(),
	}
	factory := llm.NewFactory(cfg.LLM, adapters, tokens, llm.WithMetrics(m))

	embCache := cache.NewEmbeddingCache(cfg.Embedding.CacheMaxSize, cfg.Embedding.CacheTTL, cache.WithMetrics(m))
	store, closeStore := openWeightStore(ctx, cfg.Projection)
	svc := embedding.NewService(cfg, embCache, local, store, embedding.WithMetrics(m))

	return &services{
		cfg:        cfg,
		factory:    factory,
		local:      local,
		embeddings: svc,
		store:      store,
		closeStore: closeStore,
	}
}

// openWeightStore connects the configured projection weight store. An
// unreachable store is logged and replaced by in-process weights.
func openWeightStore(ctx context.Context, cfg config.ProjectionConfig) (projection.WeightStore, func() error) {
	noop := func() error { return nil }
	if !cfg.Enabled || cfg.Method != config.ProjectionLearned {
		return nil, noop
	}

	switch cfg.Store {
	case "redis":
		store, err := projection.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.WarnLogger.Printf("Projection weights stay in process: %v", err)
			return nil, noop
		}
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			log.WarnLogger.Printf("Redis unavailable at %s, projection weights stay in process: %v", cfg.RedisURL, err)
			_ = store.Close()
			return nil, noop
		}
		log.InfoLogger.Printf("🗄️ Sharing projection weights through Redis")
		return store, store.Close
	case "sqlite":
		store, err := projection.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.WarnLogger.Printf("SQLite unavailable at %s, projection weights stay in process: %v", cfg.SQLitePath, err)
			return nil, noop
		}
		log.InfoLogger.Printf("🗄️ Sharing projection weights through SQLite (%s)", cfg.SQLitePath)
		return store, store.Close
	default:
		return nil, noop
	}
}

func (a *App) current() *services {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

func (a *App) Config() *config.Config { return a.current().cfg }

func (a *App) Factory() *llm.Factory { return a.current().factory }

func (a *App) Embeddings() *embedding.Service { return a.current().embeddings }

// LLM returns the chat model for the configured provider.
func (a *App) LLM(ctx context.Context, forceRefresh bool) (llm.ChatModel, error) {
	s := a.current()
	return s.factory.GetLLM(ctx, string(s.cfg.LLM.Provider), forceRefresh)
}

// ClearCaches drops cached LLM handles, the bearer token, cached embeddings
// and loaded local models.
func (a *App) ClearCaches() {
	s := a.current()
	s.factory.ClearAll()
	s.embeddings.ClearCache()
	s.local.ClearModels()
}

// Reload swaps in services built from cfg. The previous generation's caches
// are dropped with it.
func (a *App) Reload(ctx context.Context, cfg *config.Config) {
	log.SetLevel(cfg.LogLevel)
	for _, w := range cfg.Warnings() {
		log.ErrorLogger.Printf("Configuration warning: %s", w)
	}
	next := a.build(ctx, cfg)

	a.mu.Lock()
	prev := a.cur
	a.cur = next
	a.retired = append(a.retired, a.retire(prev))
	a.mu.Unlock()

	log.InfoLogger.Printf("♻️ Services rebuilt (llm %s, embeddings %s)", cfg.LLM.Provider, cfg.Embedding.Provider)
}

// retire closes s's weight store once the drain delay has passed. The
// returned func closes it immediately.
func (a *App) retire(s *services) func() {
	var once sync.Once
	closeStore := func() {
		once.Do(func() {
			if err := s.closeStore(); err != nil {
				log.WarnLogger.Printf("Closing previous weight store: %v", err)
			}
		})
	}
	timer := time.AfterFunc(a.drain, closeStore)
	return func() {
		timer.Stop()
		closeStore()
	}
}

// Watch reloads services whenever the config file at path changes.
func (a *App) Watch(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	return w.Start(ctx, func(cfg *config.Config) { a.Reload(ctx, cfg) })
}

// Close releases the weight stores and flushes metrics.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	s, retired := a.cur, a.retired
	a.retired = nil
	a.mu.Unlock()

	for _, closeRetired := range retired {
		closeRetired()
	}
	return errors.Join(s.closeStore(), a.Telemetry.Shutdown(ctx))
}
