package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/livechat/internal/middleware"
	chatService "github.com/zhouzirui/livechat/internal/service/chat"
	"github.com/zhouzirui/livechat/internal/store"
	"github.com/zhouzirui/livechat/pkg/utils"
)

// NewRouter wires HTTP routes to the session manager. kv is only used for the
// health check.
func NewRouter(sessions *chatService.Manager, kv store.KV, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middlewarePkg.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(sessions, logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, sessions, kv)
	})

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
	})

	return r
}

// healthResponse 健康检查结果
type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

func handleHealth(w http.ResponseWriter, r *http.Request, sessions *chatService.Manager, kv store.KV) {
	resp := healthResponse{
		Status:    "healthy",
		Store:     "pass",
		Sessions:  sessions.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if pinger, ok := kv.(store.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			// storage failures degrade sessions to memory, they do not stop them
			resp.Status = "degraded"
			resp.Store = "fail"
		}
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}
