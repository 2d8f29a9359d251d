package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atlastree/explorer/backend/internal/config"
	chatHandler "github.com/atlastree/explorer/backend/internal/handler/chat"
	streamHandler "github.com/atlastree/explorer/backend/internal/handler/stream"
	middlewarePkg "github.com/atlastree/explorer/backend/internal/middleware"
	"github.com/atlastree/explorer/backend/internal/service/relay"
	"github.com/atlastree/explorer/backend/internal/service/session"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(store *session.Store, rly *relay.Relay, chatCfg config.ChatConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middlewarePkg.CORS)

	chatH := chatHandler.New(store, rly, chatCfg)
	streamH := streamHandler.New(rly, chatCfg)

	r.Route("/api", func(api chi.Router) {
		chatH.RegisterRoutes(api)
		streamH.RegisterRoutes(api)
	})

	return r
}
