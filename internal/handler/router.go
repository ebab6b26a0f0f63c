package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chatHandler "github.com/pbryant/counselor/backend/internal/handler/chat"
	"github.com/pbryant/counselor/backend/internal/handler/stream"
	middlewarePkg "github.com/pbryant/counselor/backend/internal/middleware"
	aiService "github.com/pbryant/counselor/backend/internal/service/ai"
	chatService "github.com/pbryant/counselor/backend/internal/service/chat"
	"github.com/pbryant/counselor/backend/internal/service/conversation"
	"github.com/pbryant/counselor/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(mediator *conversation.Mediator, lifecycle *chatService.Lifecycle, aiSvc *aiService.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Streaming is only mounted when the AI service has it enabled.
	var streamHandler *stream.Handler
	if aiSvc != nil && aiSvc.StreamingEnabled() {
		streamHandler = stream.New(mediator)
	}

	r.Route("/api", func(api chi.Router) {
		chatHandler.New(mediator, lifecycle).RegisterRoutes(api)

		api.Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionID")
			userMessage := r.URL.Query().Get("message")

			if streamHandler == nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "streaming unavailable")
				return
			}
			if userMessage == "" {
				utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
				return
			}

			if err := streamHandler.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
				log.Printf("[stream] error handling request: %v", err)
			}
		})
	})

	return r
}
