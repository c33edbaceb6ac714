package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	chatService "github.com/zhouzirui/livechat/internal/service/chat"
	"github.com/zhouzirui/livechat/pkg/utils"
)

const (
	hydrateTimeout    = 3 * time.Second
	heartbeatInterval = 15 * time.Second
	eventBuffer       = 16
)

// Handler 访客会话的HTTP处理器
type Handler struct {
	sessions *chatService.Manager
	logger   zerolog.Logger
}

// New 创建会话处理器
func New(sessions *chatService.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logger.With().Str("component", "chat_handler").Logger(),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Put("/", h.handleOpenSession)
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleEndSession)
			r.Post("/messages", h.handleSendMessage)
			r.Post("/toggle", h.handleTogglePanel)
			r.Post("/release", h.handleReleaseSession)
			r.Get("/events", h.handleEvents)
		})
	})
}

// handleCreateSession 以新的会话ID挂载组件
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Create()
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, h.hydratedSnapshot(r.Context(), session))
}

// handleOpenSession 挂载已有会话并等待存储恢复
func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Open(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.hydratedSnapshot(r.Context(), session))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Snapshot())
}

// handleSendMessage 发送访客消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	msg, ok, err := session.Send(payload.Body)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

// handleTogglePanel 展开或收起聊天面板
func (h *Handler) handleTogglePanel(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	snap, err := session.TogglePanel()
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// handleReleaseSession 卸载组件，保留存储（页面跳转）
func (h *Handler) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Release(chi.URLParam(r, "sessionID")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEndSession 卸载组件并清空存储（标签页关闭）
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents 以SSE推送会话快照
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.sessions.Get(sessionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Listeners run under the session's change path and must not block.
	updates := make(chan chatService.Snapshot, eventBuffer)
	unsubscribe := session.Subscribe(func(snap chatService.Snapshot) {
		select {
		case updates <- snap:
		default:
			h.logger.Debug().Str("session_id", sessionID).Msg("event stream lagging, snapshot dropped")
		}
	})
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.logger.Debug().Str("session_id", sessionID).Msg("opening event stream")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	utils.SendSSEEvent(w, flusher, "snapshot", session.Snapshot())

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug().Str("session_id", sessionID).Msg("closing event stream")
			return
		case <-session.Done():
			utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": sessionID})
			return
		case snap := <-updates:
			utils.SendSSEEvent(w, flusher, "snapshot", snap)
		case t := <-ticker.C:
			utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			})
		}
	}
}

// hydratedSnapshot waits briefly for storage so a remounted widget renders
// its restored state in the first response.
func (h *Handler) hydratedSnapshot(ctx context.Context, session *chatService.Session) chatService.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	defer cancel()

	if err := session.WaitHydrated(ctx); err != nil {
		h.logger.Warn().Err(err).Str("session_id", session.ID()).Msg("responding before hydration finished")
	}
	return session.Snapshot()
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionIDRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrSessionClosed):
		utils.RespondError(w, http.StatusGone, err.Error())
	default:
		h.logger.Error().Err(err).Msg("session operation failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
