package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/speedrace/speedrace-server/internal/handlers"
)

func NewRouter(h *handlers.RoomHandler, wsHandler *handlers.WebSocketHandler, health *handlers.HealthHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", health.Healthz)

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{roomId}", h.Get)
	})
	// WebSocketエンドポイント
	r.Get("/api/v1/ws", wsHandler.HandleWebSocket)

	// 旧API互換性エンドポイント
	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{roomId}", h.Get)
	})

	return r
}
