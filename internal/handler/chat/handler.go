package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
	chatservice "github.com/zhouzirui/insight-desk/backend/internal/service/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/orchestrator"
	"github.com/zhouzirui/insight-desk/backend/internal/stream"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
	"github.com/zhouzirui/insight-desk/backend/pkg/utils"
)

// Response headers of the stream endpoints.
const (
	SessionHeader   = "X-Session-Id"
	RequestIDHeader = "X-Request-Id"
)

// Handler 聊天接口：流式问答、历史记录与会话重置。
type Handler struct {
	orch     *orchestrator.Orchestrator
	history  chatservice.Store
	cache    *cache.Cache
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New 创建聊天处理器。cache 可以为空。
func New(orch *orchestrator.Orchestrator, history chatservice.Store, semantic *cache.Cache, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		orch:    orch,
		history: history,
		cache:   semantic,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由。stream 由调用方包一层限流。
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/chat", func(cr chi.Router) {
		cr.With(limit).Post("/stream", h.handleStream)
		cr.With(limit).Get("/ws", h.handleWebSocket)
		cr.Get("/{sessionID}/history", h.handleHistory)
		cr.Delete("/{sessionID}", h.handleReset)
	})
}

// handleStream answers one question as an NDJSON stream.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	requestID := chimw.GetReqID(r.Context())
	w.Header().Set(RequestIDHeader, requestID)

	var body protocol.StreamRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.orch.Begin(r.Context(), orchestrator.Request{
		Message:     body.Message,
		AssistantID: body.AssistantID,
		SessionID:   body.SessionID,
		Language:    languageOf(body.Language, r),
		RequestID:   requestID,
	})
	if err != nil {
		status, msg := beginError(err)
		utils.RespondError(w, status, msg)
		return
	}

	w.Header().Set(SessionHeader, turn.Session.ID)
	writer, err := stream.NewNDJSONWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer writer.Close()

	h.orch.Run(r.Context(), turn, writer)
}

// handleWebSocket serves many turns over one connection. The session id is fixed at upgrade time
// and returned in the upgrade response header.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conn, err := h.upgrader.Upgrade(w, r, http.Header{SessionHeader: []string{sessionID}})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	writer := stream.NewWSWriter(conn)
	defer writer.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := h.log.With("session_id", sessionID, "transport", "websocket")

	for {
		var body protocol.StreamRequest
		if err := conn.ReadJSON(&body); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		requestID := uuid.NewString()
		turn, err := h.orch.Begin(ctx, orchestrator.Request{
			Message:     body.Message,
			AssistantID: body.AssistantID,
			SessionID:   sessionID,
			Language:    languageOf(body.Language, r),
			RequestID:   requestID,
		})
		if err != nil {
			_, msg := beginError(err)
			if emitErr := writer.Emit(protocol.ErrorFrame(protocol.ErrorFunctional, msg, requestID)); emitErr != nil {
				return
			}
			continue
		}

		res := h.orch.Run(ctx, turn, writer)
		if errors.Is(res.Err, orchestrator.ErrAborted) {
			return
		}
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	transcript, err := h.history.LoadTranscript(r.Context(), sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.log.Error("load transcript failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   transcript,
	})
}

// handleReset 删除会话及其产生的缓存答案。
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	err := h.history.DeleteSession(r.Context(), sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.log.Error("delete session failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if h.cache != nil {
		if err := h.cache.ResetSession(r.Context(), sessionID); err != nil {
			h.log.Warn("cache reset failed", "session_id", sessionID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func beginError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, assistant.ErrAssistantNotFound):
		return http.StatusNotFound, "assistant not found"
	case errors.Is(err, chatservice.ErrAssistantRequired):
		return http.StatusBadRequest, "assistant_id is required"
	case errors.Is(err, chatservice.ErrAssistantMismatch):
		return http.StatusConflict, "session belongs to another assistant"
	default:
		return http.StatusInternalServerError, "failed to start the conversation"
	}
}

func languageOf(explicit string, r *http.Request) string {
	if explicit != "" {
		return explicit
	}
	return r.Header.Get("Accept-Language")
}
