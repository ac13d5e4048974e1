package assistant

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trending"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/utils"
)

// Handler assistant 目录与热门问题接口
type Handler struct {
	assistants model.Store
	trending   *trending.Service
	log        *logger.Logger
}

// New 创建 assistant 处理器。trending 可以为空。
func New(assistants model.Store, trend *trending.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{assistants: assistants, trending: trend, log: log}
}

// RegisterRoutes 注册 assistant 相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/assistants", h.handleList)
	r.Get("/assistants/{assistantID}", h.handleGet)
	r.Get("/assistants/{assistantID}/trending", h.handleTrending)
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.assistants.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := h.assistants.FindByID(chi.URLParam(r, "assistantID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "assistant not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, a)
}

// handleTrending 返回某个 assistant 最常被问到的问题。
func (h *Handler) handleTrending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assistantID")
	if _, ok := h.assistants.FindByID(id); !ok {
		utils.RespondError(w, http.StatusNotFound, "assistant not found")
		return
	}
	if h.trending == nil {
		utils.RespondJSON(w, http.StatusOK, []trending.Item{})
		return
	}

	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	items, err := h.trending.Top(r.Context(), id, limit)
	if err != nil {
		h.log.Error("load trending failed", "assistant_id", id, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load trending questions")
		return
	}
	if items == nil {
		items = []trending.Item{}
	}
	utils.RespondJSON(w, http.StatusOK, items)
}
