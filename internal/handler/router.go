package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/insight-desk/backend/internal/config"
	assistantHandler "github.com/zhouzirui/insight-desk/backend/internal/handler/assistant"
	chatHandler "github.com/zhouzirui/insight-desk/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/insight-desk/backend/internal/middleware"
	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/observability"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
	chatService "github.com/zhouzirui/insight-desk/backend/internal/service/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/orchestrator"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trending"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/utils"
)

// Deps 汇总路由需要的服务。Cache、Trending 与 Metrics 可以为空。
type Deps struct {
	Server       config.ServerConfig
	Assistants   assistant.Store
	History      chatService.Store
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Cache
	Trending     *trending.Service
	Metrics      *observability.Metrics
	Log          *logger.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Server.AllowedOrigins))

	limiter := middlewarePkg.NewRateLimiter(deps.Server.StreamRatePerMin)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		assistantHandler.New(deps.Assistants, deps.Trending, deps.Log).RegisterRoutes(api)
		chatHandler.New(deps.Orchestrator, deps.History, deps.Cache, deps.Log).RegisterRoutes(api, limiter.Handler)
	})

	return r
}
