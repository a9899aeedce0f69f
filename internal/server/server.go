package server

import (
	"net/http"
	"time"

	httpLogger "github.com/chi-middleware/logrus-logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/riandyrn/otelchi"

	"github.com/Brownie44l1/ranjana-api/internal/config"
	"github.com/Brownie44l1/ranjana-api/internal/handlers"
	"github.com/Brownie44l1/ranjana-api/internal/logger"
)

const (
	RouterName        = "ranjana"
	ReadHeaderTimeout = 5 * time.Second
)

var log = logger.GetLogger()

// Create creates the HTTP server for cfg.
func Create(cfg *config.Config, h *handlers.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           SetupRouter(cfg, h),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
}

func SetupRouter(cfg *config.Config, h *handlers.Handler) *chi.Mux {
	router := chi.NewRouter()
	router.Use(httpLogger.Logger("router", log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(CORS(cfg.Server.CORSOrigins))
	router.Use(SendVersion)
	router.Use(middleware.Heartbeat("/healthz"))
	router.Use(otelchi.Middleware(
		RouterName,
		otelchi.WithChiRoutes(router),
		otelchi.WithRequestMethodInSpanName(true),
	))

	router.Get("/health", h.Health)

	router.Group(func(r chi.Router) {
		if cfg.Auth.Required {
			log.Info("JWT authentication required")
			r.Use(JWTVerifier(cfg.Auth.Secret))
			r.Use(jwtauth.Authenticator)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/classify", h.Classify)
			r.Post("/compare", h.Compare)
			r.Post("/compare/images", h.CompareImages)
			r.Post("/visualize", h.Visualize)
			r.Post("/embedding", h.Embedding)
			r.Post("/normalize", h.Normalize)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/{kind}", h.SubmitTask)
				r.Get("/{id}", h.TaskResult)
			})

			adminRoutes(r, cfg, h)
		})
	})

	return router
}

// adminRoutes always require a JWT. Without auth.secret they are not served.
func adminRoutes(r chi.Router, cfg *config.Config, h *handlers.Handler) {
	if cfg.Auth.Secret == "" {
		log.Info("admin routes disabled, auth.secret is not set")
		return
	}
	r.Group(func(r chi.Router) {
		if !cfg.Auth.Required {
			r.Use(JWTVerifier(cfg.Auth.Secret))
			r.Use(jwtauth.Authenticator)
		}
		r.Post("/admin/reload", h.Reload)
	})
}
