package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/controller"
	authHandler "github.com/zhouzirui/dify-chat/backend/internal/handler/auth"
	"github.com/zhouzirui/dify-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/dify-chat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/dify-chat/backend/internal/middleware"
	authService "github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	chatService "github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

// Deps are the services the HTTP layer is built on.
type Deps struct {
	Sessions    *chatService.Service
	Auth        *authService.Manager
	Controller  *controller.Controller
	Limiter     *middlewarePkg.Limiter
	CookieName  string
	CORSOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": deps.Sessions.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.SessionLoader(deps.Sessions, deps.CookieName))

		authHandler.New(deps.Auth, deps.Sessions, deps.CookieName).RegisterRoutes(api)

		api.Route("/chat", func(chatRouter chi.Router) {
			chatRouter.Use(middlewarePkg.RequireUser)
			if deps.Limiter != nil {
				chatRouter.Use(middlewarePkg.RateLimit(deps.Limiter))
			}

			chat.New(deps.Controller, deps.Sessions).RegisterRoutes(chatRouter)
			stream.New(deps.Controller).RegisterRoutes(chatRouter)
			ws.New(deps.Controller).RegisterRoutes(chatRouter)
		})
	})

	return r
}

// requestLogger replaces chi's stdlib logger with a structured access log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
