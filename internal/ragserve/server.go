package ragserve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragserve/internal/pkg/rag/chunker"
	"github.com/kart-io/ragserve/internal/pkg/rag/tokenizer"
	"github.com/kart-io/ragserve/internal/ragserve/biz"
	"github.com/kart-io/ragserve/internal/ragserve/handler"
	"github.com/kart-io/ragserve/internal/ragserve/metrics"
	"github.com/kart-io/ragserve/internal/ragserve/router"
	"github.com/kart-io/ragserve/internal/ragserve/store"
	"github.com/kart-io/ragserve/pkg/app"
	"github.com/kart-io/ragserve/pkg/component/milvus"
	"github.com/kart-io/ragserve/pkg/component/postgres"
	redisclient "github.com/kart-io/ragserve/pkg/component/redis"
	"github.com/kart-io/ragserve/pkg/component/storage"
	"github.com/kart-io/ragserve/pkg/llm"
	"github.com/kart-io/ragserve/pkg/llm/resilience"
	"github.com/kart-io/ragserve/pkg/pool"
)

// Name is the name of the application.
const Name = "ragserve"

// Server represents the RAG server.
type Server struct {
	httpServer      *http.Server
	sessions        *biz.SessionManager
	pools           *pool.Manager
	storages        *storage.Manager
	closers         []func()
	shutdownTimeout time.Duration
}

// NewServer initializes and returns a new Server instance.
func NewServer(ctx context.Context, opts *Options) (*Server, error) {
	// 1. 初始化日志
	if err := opts.Log.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infow("Starting RAG service...",
		"service.name", Name,
		"service.version", app.GetVersion(),
		"backend", opts.RAG.Backend,
	)

	srv := &Server{
		storages:        storage.NewManager(),
		shutdownTimeout: opts.ShutdownTimeout,
	}

	// 2. 初始化文档存储
	docStore, err := srv.newDocumentStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger.Infow("Document store initialized", "backend", opts.RAG.Backend)

	// 3. 初始化 Redis（嵌入缓存兜底）
	var redisCli *redisclient.Client
	if opts.RAG.CacheEnabled {
		redisCli, err = redisclient.New(opts.Redis)
		if err == nil {
			err = redisCli.Ping(ctx)
		}
		if err != nil {
			logger.Warnw("failed to connect to redis, embedding cache disabled", "error", err)
			if redisCli != nil {
				_ = redisCli.Close()
			}
			redisCli = nil
		} else {
			srv.storages.MustRegister("redis-cache", redisCli)
			srv.closers = append(srv.closers, func() { _ = redisCli.Close() })
			logger.Infow("Redis embedding cache initialized",
				"host", opts.Redis.Host,
				"port", opts.Redis.Port,
				"ttl", opts.RAG.EmbeddingCacheTTL,
			)
		}
	} else {
		logger.Info("Embedding cache is disabled")
	}

	// 4. 初始化嵌入供应商
	embedder, err := llm.NewEmbeddingProvider(opts.Embedding.Provider, opts.Embedding.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	var resilientEmbedder llm.EmbeddingProvider
	if redisCli != nil {
		resilientEmbedder = llm.NewCachedEmbeddingProvider(embedder, redisCli.Client(), &llm.EmbeddingCacheConfig{
			Enabled: true,
			TTL:     opts.RAG.EmbeddingCacheTTL,
		})
	} else {
		resilientEmbedder = resilience.NewResilientEmbeddingProvider(embedder, nil, nil)
	}
	logger.Infow("Embedding provider initialized",
		"provider", opts.Embedding.Provider,
		"model", opts.Embedding.Model,
		"dimension", embedder.Dimension(),
	)

	// 5. 初始化业务层
	m := metrics.New()

	searcher := biz.NewSearcher(docStore, biz.SearcherConfig{
		Dimension:           opts.RAG.EmbeddingDim,
		DefaultTopK:         opts.RAG.TopK,
		MaxTopK:             opts.RAG.MaxTopK,
		MaxPatternLength:    opts.RAG.MaxPatternLength,
		MaxPatternWildcards: opts.RAG.MaxPatternWildcards,
	})

	sessions := biz.NewSessionManager(opts.RAG.Session.TTL, m)
	sessions.StartSweeper(opts.RAG.Session.CleanupInterval)
	srv.sessions = sessions

	pools := pool.NewManager()
	if err := pools.RegisterWithType(pool.IndexPool, pool.IndexPoolConfig()); err != nil {
		return nil, fmt.Errorf("failed to create index pool: %w", err)
	}
	if err := pools.RegisterWithType(pool.EmbedPool, pool.EmbedPoolConfig()); err != nil {
		return nil, fmt.Errorf("failed to create embed pool: %w", err)
	}
	srv.pools = pools

	ck := chunker.New(tokenizer.ForModel(opts.Embedding.Model))
	indexer := biz.NewIndexer(ck, resilientEmbedder, searcher, pools, m, biz.IndexerConfig{
		MaxChunkTokens: opts.RAG.MaxChunkTokens,
	})

	orch := biz.NewOrchestrator(resilientEmbedder, searcher, sessions, m, biz.OrchestratorConfig{
		SystemPrompt:  opts.RAG.SystemPrompt,
		TopK:          opts.RAG.TopK,
		ProviderOrder: opts.RAG.Stream.ProviderOrder,
		StallTimeout:  opts.RAG.Stream.StallTimeout,
		BufferSize:    opts.RAG.Stream.BufferSize,
	})
	for _, g := range opts.Generators {
		p, err := llm.NewStreamProvider(g.Provider, g.ToConfigMap())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize stream provider %s: %w", g.Provider, err)
		}
		orch.RegisterProvider(g.Provider, p)
		logger.Infow("Stream provider registered", "provider", g.Provider, "model", g.Model)
	}

	service := biz.NewService(searcher, indexer, sessions, orch, m, resilientEmbedder)
	logger.Info("RAG service initialized")

	// 6. 初始化 HTTP 服务器
	gin.SetMode(opts.HTTP.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog())
	router.Register(engine, handler.New(service, srv.storages))

	srv.httpServer = &http.Server{
		Addr:         opts.HTTP.Addr,
		Handler:      engine,
		ReadTimeout:  opts.HTTP.ReadTimeout,
		WriteTimeout: opts.HTTP.WriteTimeout,
		IdleTimeout:  opts.HTTP.IdleTimeout,
	}

	logger.Info("RAG service is ready")
	return srv, nil
}

// newDocumentStore 按配置选择存储后端。
func (s *Server) newDocumentStore(ctx context.Context, opts *Options) (store.DocumentStore, error) {
	switch opts.RAG.Backend {
	case "postgres":
		client, err := postgres.NewWithContext(ctx, opts.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		st, err := store.NewPostgresStore(ctx, client, opts.RAG.EmbeddingDim)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		s.storages.MustRegister("postgres-documents", client)
		s.closers = append(s.closers, func() { _ = st.Close(context.Background()) })
		return st, nil

	case "milvus":
		client, err := milvus.New(opts.Milvus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize milvus: %w", err)
		}
		st, err := store.NewMilvusStore(ctx, client, opts.RAG.Collection, opts.RAG.EmbeddingDim)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, fmt.Errorf("failed to initialize milvus store: %w", err)
		}
		s.closers = append(s.closers, func() { _ = st.Close(context.Background()) })
		return st, nil

	default:
		return store.NewMemoryStore(), nil
	}
}

// accessLog 记录每个请求的概要。
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"client", c.ClientIP(),
		)
	}
}

// Run starts the server and blocks until a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.cleanup()
		return err
	case sig := <-quit:
		logger.Infow("Shutting down...", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP server shutdown error", "error", err)
	}

	s.cleanup()
	logger.Info("Server exited")
	return nil
}

func (s *Server) cleanup() {
	if s.sessions != nil {
		s.sessions.Stop()
	}
	if s.pools != nil {
		_ = s.pools.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
