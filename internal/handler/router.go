package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/chatrelay/backend/internal/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/service/broker"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

// Deps carries the services the HTTP surface is built on.
type Deps struct {
	Dispatcher *broker.Dispatcher
	History    chat.History
	Origins    *middlewarePkg.OriginPolicy
	Server     config.ServerConfig
	Log        *slog.Logger
}

// NewRouter wires HTTP routes to core services. The returned websocket
// handler is needed by the caller for shutdown.
func NewRouter(deps Deps) (http.Handler, *ws.Handler) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Origins))

	wsHandler := ws.New(deps.Dispatcher, deps.Origins, ws.Options{
		MaxMessageSize: deps.Server.MaxMessageSize,
		SendBuffer:     deps.Server.SendBuffer,
	}, deps.Log)
	chatHandler := chat.New(deps.History, deps.Dispatcher, deps.Server.HistoryLimit, deps.Log)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondText(w, http.StatusOK, "Chat server running")
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
	})

	return r, wsHandler
}
