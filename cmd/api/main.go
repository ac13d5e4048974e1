package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/insight-desk/backend/internal/config"
	"github.com/zhouzirui/insight-desk/backend/internal/handler"
	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/observability"
	"github.com/zhouzirui/insight-desk/backend/internal/platform/database"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/analytics"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
	"github.com/zhouzirui/insight-desk/backend/internal/service/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/orchestrator"
	"github.com/zhouzirui/insight-desk/backend/internal/service/pipeline"
	"github.com/zhouzirui/insight-desk/backend/internal/service/retrieval"
	"github.com/zhouzirui/insight-desk/backend/internal/service/router"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trending"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
)

// 内存分析库，未配置 ANALYTICS_DSN 时使用演示数据。
const demoAnalyticsDSN = "file:insight_demo?mode=memory&cache=shared"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, err := logger.New(cfg.Server.LogMode)
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer log.Sync()

	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	assistants, baseDir := loadAssistants(cfg.Assistants, log)
	assistantStore := assistant.NewMemoryStore(assistants)

	history := openHistory(cfg.Storage, log)
	metrics := observability.New()

	var embedder embedding.Embedder = cache.LexicalEmbedder{}

	cacheStore, trendStore := openRedisStores(ctx, cfg.Cache, log)
	semantic := cache.New(embedder, cacheStore, cache.Config{Threshold: cfg.Cache.Threshold, TTL: cfg.Cache.TTL}, log.With("component", "cache"))
	trend := trending.New(trendStore, metrics)

	docs, err := openRetriever(ctx, cfg.Storage, embedder, assistants, log)
	if err != nil {
		log.Fatal("failed to build retriever", "error", err)
	}

	runner, dialect := openAnalytics(ctx, cfg.Storage, log)
	catalog := analytics.NewCatalog(runner, baseDir)

	// AI 不可用时退回启发式路由与抽取式回答。
	var (
		selector router.Selector       = router.HeuristicSelector{}
		synth    pipeline.Synthesizer  = pipeline.ExtractiveSynthesizer{}
		sqlGen   pipeline.SQLGenerator = pipeline.HeuristicSQLGenerator{Limit: 50}
		planner  pipeline.ChartPlanner
	)
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn("failed to initialize AI service, continuing with heuristics - 请检查 Ark 模型相关环境变量", "error", err)
		} else {
			log.Info("AI service initialized", "model", cfg.AI.Model, "streaming", aiService.StreamingEnabled())
			selector = &router.LLMSelector{AI: aiService}
			synth = &pipeline.LLMSynthesizer{AI: aiService}
			sqlGen = &pipeline.LLMSQLGenerator{AI: aiService, Dialect: dialect}
			planner = &pipeline.LLMChartPlanner{AI: aiService}
		}
	} else {
		log.Info("Ark 凭证未配置，使用启发式路由")
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Assistants: assistantStore,
		History:    history,
		Cache:      semantic,
		Router: router.New(selector, &router.Toolbox{Retriever: docs, Catalog: catalog},
			cfg.Router, log.With("component", "router")),
		Executors: pipeline.Executors{
			assistant.PipelineRAG:          &pipeline.RAG{Retriever: docs, Synthesizer: synth},
			assistant.PipelineCertifiedSQL: &pipeline.CertifiedSQL{Runner: runner, Synthesizer: synth},
			assistant.PipelineAdhocSQL:     &pipeline.AdhocSQL{Runner: runner, Generator: sqlGen, Synthesizer: synth},
			assistant.PipelineCSV:          &pipeline.CSV{Catalog: catalog, Planner: planner, Synthesizer: synth},
		},
		Trending: trend,
		Metrics:  metrics,
		Log:      log.With("component", "orchestrator"),
	})
	if err != nil {
		log.Fatal("failed to build orchestrator", "error", err)
	}

	r := handler.NewRouter(handler.Deps{
		Server:       cfg.Server,
		Assistants:   assistantStore,
		History:      history,
		Orchestrator: orch,
		Cache:        semantic,
		Trending:     trend,
		Metrics:      metrics,
		Log:          log,
	})

	startServer(ctx, cfg.Server, r, log)

	// 等待后台缓存写入完成。
	orch.Wait()
}

func loadAssistants(cfg config.AssistantsConfig, log *logger.Logger) ([]assistant.Assistant, string) {
	if cfg.File == "" {
		log.Info("using built-in assistants")
		return assistant.Seed(), "."
	}
	items, err := assistant.LoadFile(cfg.File)
	if err != nil {
		log.Fatal("failed to load assistants", "file", cfg.File, "error", err)
	}
	log.Info("assistants loaded", "file", cfg.File, "count", len(items))
	return items, filepath.Dir(cfg.File)
}

func openHistory(cfg config.StorageConfig, log *logger.Logger) chat.Store {
	if cfg.DatabaseDSN == "" {
		log.Info("DATABASE_DSN not set, keeping history in memory")
		return chat.NewService()
	}
	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("failed to open history database", "error", err)
	}
	store, err := chat.NewGormStore(db)
	if err != nil {
		log.Fatal("failed to migrate history database", "error", err)
	}
	log.Info("history database ready", "postgres", database.IsPostgres(cfg.DatabaseDSN))
	return store
}

func openRedisStores(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) (cache.Store, trending.Store) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryStore(), trending.NewMemoryStore()
	}
	rdb, err := cache.DialRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Warn("redis unavailable, falling back to memory stores", "addr", cfg.RedisAddr, "error", err)
		return cache.NewMemoryStore(), trending.NewMemoryStore()
	}
	log.Info("redis connected", "addr", cfg.RedisAddr)
	return cache.NewRedisStore(rdb, cfg.RedisPrefix, cfg.TTL),
		trending.NewRedisStore(rdb, cfg.RedisPrefix+":trending", 7*24*time.Hour)
}

func openRetriever(ctx context.Context, cfg config.StorageConfig, embedder embedding.Embedder, assistants []assistant.Assistant, log *logger.Logger) (retriever.Retriever, error) {
	if cfg.WeaviateURL != "" {
		client, err := retrieval.NewWeaviateClient(cfg.WeaviateURL, cfg.WeaviateAPIKey)
		if err != nil {
			return nil, err
		}
		log.Info("using weaviate retriever", "url", cfg.WeaviateURL, "class", cfg.WeaviateClass)
		return retrieval.NewWeaviateRetriever(client, embedder, cfg.WeaviateClass), nil
	}
	return retrieval.NewMemoryRetriever(ctx, embedder, assistants)
}

func openAnalytics(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*analytics.Runner, string) {
	dsn := cfg.AnalyticsDSN
	demo := dsn == ""
	if demo {
		dsn = demoAnalyticsDSN
	}
	db, err := database.Open(dsn)
	if err != nil {
		log.Warn("analytics database unavailable, SQL pipelines disabled", "error", err)
		return nil, ""
	}
	dialect := "sqlite"
	if database.IsPostgres(dsn) {
		dialect = "postgres"
	}
	if demo {
		if err := analytics.SeedDemo(ctx, db); err != nil {
			log.Warn("failed to seed demo analytics data", "error", err)
		}
	}
	return analytics.NewRunner(db, 500), dialect
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *logger.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("insight desk backend listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Error("server error", "error", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
