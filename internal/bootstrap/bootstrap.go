package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ragcore/internal/config"
	"github.com/kirillkom/ragcore/internal/core/ports"
	"github.com/kirillkom/ragcore/internal/core/usecase"
	rediscache "github.com/kirillkom/ragcore/internal/infrastructure/cache/redis"
	"github.com/kirillkom/ragcore/internal/infrastructure/chunking"
	"github.com/kirillkom/ragcore/internal/infrastructure/embedding"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor"
	"github.com/kirillkom/ragcore/internal/infrastructure/index/boltstore"
	"github.com/kirillkom/ragcore/internal/infrastructure/index/memory"
	"github.com/kirillkom/ragcore/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/ragcore/internal/infrastructure/llm/openai"
	"github.com/kirillkom/ragcore/internal/infrastructure/queue/nats"
	"github.com/kirillkom/ragcore/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/ragcore/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/ragcore/internal/infrastructure/rerank/heuristic"
	"github.com/kirillkom/ragcore/internal/infrastructure/rerank/tei"
	"github.com/kirillkom/ragcore/internal/infrastructure/resilience"
	"github.com/kirillkom/ragcore/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/ragcore/internal/infrastructure/vector/qdrant"
)

type Options struct {
	// ConnectQueue dials NATS. Required for asynchronous upload and for the worker.
	ConnectQueue bool
	// QueueLagObserver is handed to the NATS consumer.
	QueueLagObserver func(time.Duration)
}

type App struct {
	Config config.Config

	Queue         ports.MessageQueue
	Ingestor      *usecase.IngestDocumentUseCase
	Processor     *usecase.ProcessDocumentUseCase
	Catalog       *usecase.DocumentCatalogUseCase
	Query         *usecase.QueryUseCase
	Conversations *usecase.ConversationUseCase

	closers []func()
}

type metadataStores struct {
	documents     ports.DocumentRepository
	chunks        ports.ChunkRepository
	conversations ports.ConversationRepository
}

func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(resilienceConfig(cfg))

	meta, err := app.openMetadata(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	vectors, lexical, err := app.openIndexes(cfg, executor)
	if err != nil {
		return nil, err
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	embedder, err := app.openEmbedder(ctx, cfg, ollamaClient)
	if err != nil {
		return nil, err
	}

	completion, err := newCompletion(cfg, ollamaClient)
	if err != nil {
		return nil, err
	}

	var queue ports.MessageQueue
	if opts.ConnectQueue {
		q, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			QueueGroup:         cfg.NATSQueueGroup,
			HandlerTimeout:     cfg.WorkerHandlerTimeout,
			ResilienceExecutor: executor,
			LagObserver:        opts.QueueLagObserver,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closers = append(app.closers, q.Close)
		queue = q
	}

	processor := usecase.NewProcessDocumentUseCase(
		meta.documents,
		meta.chunks,
		storage,
		extractor.NewRegistry(),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		vectors,
		lexical,
	)
	conversations := usecase.NewConversationUseCase(meta.conversations)

	deps := usecase.QueryDeps{
		Embedder:      embedder,
		Vectors:       vectors,
		Lexical:       lexical,
		Chunks:        meta.chunks,
		Retriever:     usecase.NewHybridRetriever(cfg.HybridWeight),
		Reranker:      newReranker(cfg),
		Assembler:     usecase.NewContextAssembler(cfg.ContextTokenBudget, cfg.HistoryTokenBudget, cfg.HistoryTurns),
		Generator:     usecase.NewAnswerGenerator(completion, executor, cfg.GenerationTimeout, cfg.GenerationMaxTokens),
		Conversations: meta.conversations,
		Titler:        conversations,
	}
	if cfg.QueryRewrite {
		deps.Rewriter = usecase.NewQueryRewriter(completion, cfg.RewriteTimeout)
	}

	app.Queue = queue
	app.Processor = processor
	app.Ingestor = usecase.NewIngestDocumentUseCase(meta.documents, storage, queue, processor, cfg.MaxUploadBytes)
	app.Catalog = usecase.NewDocumentCatalogUseCase(meta.documents, meta.chunks, vectors, lexical, storage, meta.conversations)
	app.Conversations = conversations
	app.Query = usecase.NewQueryUseCase(deps, usecase.QueryOptions{
		TopK:                 cfg.TopK,
		RerankCandidates:     cfg.RerankCandidates,
		TopN:                 cfg.ContextTopN,
		HistoryTurns:         cfg.HistoryTurns,
		EmbedTimeout:         cfg.EmbedTimeout,
		VectorSearchTimeout:  cfg.VectorSearchTimeout,
		LexicalSearchTimeout: cfg.LexicalSearchTimeout,
		RerankTimeout:        cfg.RerankTimeout,
	})

	slog.Info("bootstrap_ready",
		"metadata_backend", cfg.MetadataBackend,
		"vector_backend", cfg.VectorBackend,
		"lexical_backend", cfg.LexicalBackend,
		"completion_backend", cfg.CompletionBackend,
		"rerank_backend", cfg.RerankBackend,
		"embedding_cache", cfg.EmbeddingCache,
		"hybrid_weight", cfg.HybridWeight,
		"queue", opts.ConnectQueue,
	)
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// resilienceConfig gives generation the configured retry budget. Index calls
// run under short stage timeouts and retry once; queue publishes keep the default.
func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.Breaker.Enabled = cfg.BreakerEnabled
	return rc.
		WithClass("completion", resilience.Budget{
			Attempts:       cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryInitialBackoff * 8,
		}).
		WithClass("qdrant", resilience.Budget{Attempts: 2, InitialBackoff: 50 * time.Millisecond})
}

func (a *App) openMetadata(ctx context.Context, cfg config.Config) (metadataStores, error) {
	switch cfg.MetadataBackend {
	case config.MetadataPostgres:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return metadataStores{}, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return metadataStores{}, fmt.Errorf("ensure schema: %w", err)
		}
		return metadataStores{
			documents:     postgres.NewDocumentRepository(db),
			chunks:        postgres.NewChunkRepository(db),
			conversations: postgres.NewConversationRepository(db),
		}, nil
	case config.MetadataSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return metadataStores{}, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return metadataStores{
			documents:     store.Documents(),
			chunks:        store.Chunks(),
			conversations: store.Conversations(),
		}, nil
	default:
		return metadataStores{}, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
}

func (a *App) openIndexes(cfg config.Config, executor *resilience.Executor) (ports.VectorIndex, ports.LexicalIndex, error) {
	var store memory.Store
	if (cfg.VectorBackend == config.IndexMemory || cfg.LexicalBackend == config.IndexMemory) && cfg.IndexPath != "" {
		bolt, err := boltstore.Open(cfg.IndexPath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = bolt.Close() })
		store = bolt
	}

	var vectors ports.VectorIndex
	switch cfg.VectorBackend {
	case config.IndexQdrant:
		vectors = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.WithExecutor(executor))
	case config.IndexMemory:
		idx, err := memory.NewVectorIndex(store)
		if err != nil {
			return nil, nil, err
		}
		vectors = idx
	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}

	var lexical ports.LexicalIndex
	switch cfg.LexicalBackend {
	case config.IndexQdrant:
		lexical = qdrant.NewLexical(cfg.QdrantURL, cfg.QdrantLexicalCollection, qdrant.WithExecutor(executor))
	case config.IndexMemory:
		idx, err := memory.NewLexicalIndex(store)
		if err != nil {
			return nil, nil, err
		}
		lexical = idx
	default:
		return nil, nil, fmt.Errorf("unknown lexical backend %q", cfg.LexicalBackend)
	}
	return vectors, lexical, nil
}

func (a *App) openEmbedder(ctx context.Context, cfg config.Config, client *ollama.Client) (*embedding.Provider, error) {
	var cache ports.EmbeddingCache
	switch cfg.EmbeddingCache {
	case config.CacheLocal:
		cache = embedding.NewLocalCache(cfg.EmbeddingCacheSize)
	case config.CacheRedis:
		shared, err := rediscache.New(ctx, rediscache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init embedding cache: %w", err)
		}
		a.closers = append(a.closers, func() { _ = shared.Close() })
		cache = embedding.NewTieredCache(embedding.NewLocalCache(cfg.EmbeddingCacheSize), shared)
	case config.CacheNone:
	default:
		return nil, fmt.Errorf("unknown embedding cache %q", cfg.EmbeddingCache)
	}

	loader := func(ctx context.Context) (ports.EmbeddingModel, error) {
		model := ollama.NewEmbedder(client)
		dim, err := model.Dimension(ctx)
		if err != nil {
			return nil, err
		}
		slog.Info("embedding_model_loaded", "model", model.Model(), "dimension", dim)
		return model, nil
	}
	provider, err := embedding.NewProvider(loader, cache, embedding.Config{
		ModelName:       cfg.OllamaEmbedModel,
		BatchSize:       cfg.EmbeddingBatchSize,
		Concurrency:     cfg.EmbeddingConcurrency,
		MaxInitAttempts: cfg.EmbeddingMaxInitAttempts,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, provider.Close)
	return provider, nil
}

func newCompletion(cfg config.Config, client *ollama.Client) (ports.CompletionService, error) {
	switch cfg.CompletionBackend {
	case config.CompletionOllama:
		return ollama.NewCompleter(client), nil
	case config.CompletionOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("openai completion backend needs an api key")
		}
		return openai.New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unknown completion backend %q", cfg.CompletionBackend)
	}
}

func newReranker(cfg config.Config) ports.Reranker {
	switch cfg.RerankBackend {
	case config.RerankTEI:
		return tei.New(cfg.TEIURL, cfg.RerankTimeout)
	case config.RerankHeuristic:
		return heuristic.New()
	default:
		return nil
	}
}
