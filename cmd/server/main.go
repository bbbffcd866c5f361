package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/uia-backend/internal/cache"
	"github.com/connexus-ai/uia-backend/internal/config"
	"github.com/connexus-ai/uia-backend/internal/gcpclient"
	"github.com/connexus-ai/uia-backend/internal/index"
	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/middleware"
	"github.com/connexus-ai/uia-backend/internal/progress"
	"github.com/connexus-ai/uia-backend/internal/repository"
	"github.com/connexus-ai/uia-backend/internal/router"
	"github.com/connexus-ai/uia-backend/internal/service"
)

const Version = "0.1.0"

// embeddingAdapter bridges gcpclient.EmbeddingAdapter's batch-shaped Embed
// to the single-text shape service.QueryEmbedder expects, and fronts it
// with an in-process cache keyed by normalized query text.
type embeddingAdapter struct {
	adapter *gcpclient.EmbeddingAdapter
	cache   *cache.EmbeddingCache
}

func (e *embeddingAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingQueryHash(text)
	if e.cache != nil {
		if vec, ok := e.cache.Get(key); ok {
			return vec, nil
		}
	}
	vecs, err := e.adapter.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embeddingAdapter.Embed: empty response for query")
	}
	if e.cache != nil {
		e.cache.Set(key, vecs[0])
	}
	return vecs[0], nil
}

// buildLLMClient picks the LLM provider. An OpenAI key selects the REST
// client; otherwise a Vertex AI adapter is built from GOOGLE_CLOUD_PROJECT/
// GOOGLE_CLOUD_LOCATION (the provider choice itself, like the model
// identities, is deliberately not hardcoded by this package).
func buildLLMClient(ctx context.Context, cfg *config.Config) (llmclient.Client, error) {
	if cfg.OpenAIAPIKey != "" {
		return llmclient.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.LLMModel), nil
	}

	project := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if project == "" {
		return nil, fmt.Errorf("buildLLMClient: neither OPENAI_API_KEY nor GOOGLE_CLOUD_PROJECT is set")
	}
	location := os.Getenv("GOOGLE_CLOUD_LOCATION")
	if location == "" {
		location = "us-central1"
	}
	adapter, err := gcpclient.NewGenAIAdapter(ctx, project, location, cfg.LLMModel)
	if err != nil {
		return nil, fmt.Errorf("buildLLMClient: %w", err)
	}
	return llmclient.NewVertexClient(adapter), nil
}

func buildEmbedder(ctx context.Context, cfg *config.Config) (service.QueryEmbedder, error) {
	project := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if project == "" {
		return nil, fmt.Errorf("buildEmbedder: GOOGLE_CLOUD_PROJECT is required for embeddings")
	}
	location := os.Getenv("GOOGLE_CLOUD_LOCATION")
	if location == "" {
		location = "us-central1"
	}
	adapter, err := gcpclient.NewEmbeddingAdapter(ctx, project, location, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("buildEmbedder: %w", err)
	}
	return &embeddingAdapter{adapter: adapter, cache: cache.NewEmbeddingCache(cache.DefaultEmbeddingTTL())}, nil
}

// deps bundles the constructed singletons run() needs so it can close
// what it opened on shutdown.
type deps struct {
	router       *router.Dependencies
	pool         interface{ Close() }
	broker       *progress.Broker
	rateLimiters []*middleware.RateLimiter
}

func build(ctx context.Context, cfg *config.Config) (*deps, error) {
	llm, err := buildLLMClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	loader := index.NewLoader(cfg.IndexDir, cfg.ChunksRoot)
	catalog := repository.NewCatalogRepo(cfg.CatalogDir)

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	chatState := repository.NewChatStateRepo(pool)
	messages := repository.NewMessageRepo(pool)

	var relevanceFilter service.RelevanceFilter
	if cfg.StrictRelevanceFilter {
		relevanceFilter = service.NewLLMRelevanceFilter(llm)
	} else {
		relevanceFilter = service.PassthroughFilter{}
	}

	retriever := service.NewHybridRetriever(loader, embedder)
	rag := service.NewRAGEngine(llm, retriever, relevanceFilter, service.RAGEngineConfig{
		AllowGeneralKnowledge: cfg.AllowGeneralKnowledge,
		MaxGeneralFraction:    cfg.MaxGeneralPercent,
		ContextTokenLimit:     cfg.ContextTokenLimit,
		SufficiencyThreshold:  cfg.SufficiencyThreshold,
		PlannerModel:          cfg.PlannerModel,
		RerankModel:           cfg.RerankModel,
		ComposerModel:         cfg.LLMModel,
	})

	intent := service.NewIntentDetector(llm, catalog)
	surveys := service.NewSurveyBuilder(catalog, chatState)
	insights := service.NewInsightEngine(llm, catalog, chatState, cfg.LLMModel, slog.Default())
	nudge := service.NewNudgeEngine(llm, catalog, chatState)

	broker := progress.New()

	orchestrator := service.NewTurnOrchestrator(
		messages, chatState, catalog,
		intent, surveys, insights, rag, nudge, broker, slog.Default(),
	).WithRAGAnswerCache(cache.New(5 * time.Minute)).
		WithPersistableCheck(cfg.IsPersistable)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	generalLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 120, Window: time.Minute})
	chatLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 10, Window: time.Minute})

	routerDeps := &router.Dependencies{
		DB:                 pool,
		AuthService:        service.NewAuthService(cfg.SessionSecret),
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		Orchestrator:       orchestrator,
		Broker:             broker,
		GeneralRateLimiter: generalLimiter,
		ChatRateLimiter:    chatLimiter,
	}

	return &deps{
		router:       routerDeps,
		pool:         pool,
		broker:       broker,
		rateLimiters: []*middleware.RateLimiter{generalLimiter, chatLimiter},
	}, nil
}

func getPort(cfg *config.Config) string {
	if cfg.Port != 0 {
		return fmt.Sprintf("%d", cfg.Port)
	}
	return "8080"
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancelBuild := context.WithTimeout(context.Background(), 30*time.Second)
	d, err := build(ctx, cfg)
	cancelBuild()
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer d.broker.Stop()
	defer d.pool.Close()
	for _, rl := range d.rateLimiters {
		defer rl.Stop()
	}

	port := getPort(cfg)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router.New(d.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the progress stream holds connections open; per-route timeouts apply elsewhere
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("uia-backend starting", "version", Version, "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}
