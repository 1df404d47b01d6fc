// Package kaiwa is the public API for embedding the Kaiwa conversation
// enrichment server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithVersion(version),
//	    kaiwa.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaiwa (root) imports
// internal/*, but internal/* never imports kaiwa (root). Public extension
// types (EmbeddingProvider) are standalone interfaces with no internal
// imports; the adapters that bridge them live here because this is the only
// file that sees both sides of the boundary.
package kaiwa

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/kaiwa-ai/kaiwa/internal/chain"
	"github.com/kaiwa-ai/kaiwa/internal/config"
	"github.com/kaiwa-ai/kaiwa/internal/embedding"
	"github.com/kaiwa-ai/kaiwa/internal/enhance"
	"github.com/kaiwa-ai/kaiwa/internal/mcp"
	"github.com/kaiwa-ai/kaiwa/internal/patterns"
	"github.com/kaiwa-ai/kaiwa/internal/repair"
	"github.com/kaiwa-ai/kaiwa/internal/search"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
	"github.com/kaiwa-ai/kaiwa/internal/validate"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kaiwa-ai/kaiwa/migrations"
)

// EmbeddingProvider is the public extension point for replacing the
// auto-detected embedding backend (OpenAI/Ollama/noop).
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// providerAdapter bridges the public EmbeddingProvider to the internal
// embedding.Provider, which speaks pgvector.Vector.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	raw, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(raw))
	for i, v := range raw {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }

// App is the Kaiwa server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	patterns     *patterns.Cache
	orchestrator *enhance.Orchestrator
	engine       *repair.Engine
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	indexWorker  *search.IndexWorker // nil when Qdrant is not configured
	mcpSrv       *mcp.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kaiwa server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaiwa starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'conversation_entries')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'conversation_entries' does not exist after migration — check that the pgvector extension is created")
	}

	// Create embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
	} else {
		embedder = embedding.NewFromSettings(embedding.Settings{
			Provider:     cfg.EmbeddingProvider,
			OpenAIAPIKey: cfg.OpenAIAPIKey,
			Model:        cfg.EmbeddingModel,
			OllamaURL:    cfg.OllamaURL,
			OllamaModel:  cfg.OllamaModel,
			Dimensions:   cfg.EmbeddingDimensions,
		})
	}

	// Pattern clusters and embedding caches.
	pcache, err := patterns.New(embedder, patterns.Options{
		CachePath:           cfg.EmbedCachePath,
		CacheSize:           cfg.EmbedCacheSize,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		TopK:                cfg.TopKMatches,
	}, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("patterns: %w", err)
	}
	if err := pcache.Init(context.Background()); err != nil {
		// Non-fatal: classification degrades to neutral sentiment until the
		// embedding backend comes up.
		logger.Warn("patterns: cluster warmup failed", "error", err)
	}

	// Enrichment pipeline.
	linker := chain.New(cfg.FeedbackWindow, logger)
	validator := validate.New(pcache, cfg.StrengthThreshold, logger)
	orchestrator := enhance.New(db, linker, validator, enhance.Options{
		SessionBudget:  cfg.SessionBudget,
		Workers:        cfg.SessionWorkers,
		CoverageTarget: cfg.CoverageTarget,
	}, logger)

	// Repair engine.
	engine := repair.New(db, cfg.RepairBatchSize, logger)

	// Initialize Qdrant search index and outbox worker.
	var searcher mcp.Searcher
	var qdrantIndex *search.QdrantIndex
	var indexWorker *search.IndexWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			_ = pcache.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			_ = pcache.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		indexWorker = search.NewIndexWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no KAIWA_QDRANT_URL)")
	}

	// MCP server.
	mcpSrv := mcp.New(db, embedder, orchestrator, engine, searcher, cfg.HealthSessions, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		patterns:     pcache,
		orchestrator: orchestrator,
		engine:       engine,
		qdrantIndex:  qdrantIndex,
		indexWorker:  indexWorker,
		mcpSrv:       mcpSrv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Orchestrator exposes the enrichment pipeline for embedding consumers that
// drive sessions programmatically instead of over MCP.
func (a *App) Orchestrator() *enhance.Orchestrator { return a.orchestrator }

// RepairEngine exposes the bulk repair engine for embedding consumers.
func (a *App) RepairEngine() *repair.Engine { return a.engine }

// Run starts the index sync worker and serves the MCP protocol over stdio,
// then blocks until ctx is cancelled or the stdio stream closes. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	if a.indexWorker != nil {
		a.indexWorker.Start(ctx)
	}

	stdio := mcpserver.NewStdioServer(a.mcpSrv.MCPServer())
	errCh := make(chan error, 1)
	go func() {
		errCh <- stdio.Listen(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			a.logger.Error("mcp stdio server error", "error", err)
		}
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains remaining outbox entries to Qdrant, then closes the
// pattern caches, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiwa shutting down")

	if a.indexWorker != nil {
		a.indexWorker.Drain(ctx)
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if err := a.patterns.Close(); err != nil {
		a.logger.Warn("pattern cache close", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaiwa stopped")
	return nil
}
