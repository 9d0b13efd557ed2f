package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/tallocr/internal/api/handlers"
	"github.com/nikhilbhutani/tallocr/internal/api/middleware"
	"github.com/nikhilbhutani/tallocr/internal/auth"
	"github.com/nikhilbhutani/tallocr/internal/config"
)

// Deps are the services behind the routes. DB and Redis may be nil, in
// which case readiness skips them.
type Deps struct {
	DB          handlers.Pinger
	Redis       handlers.Pinger
	Extractions handlers.ExtractionService
	Models      handlers.ModelLister
}

type Router struct {
	mux  *chi.Mux
	cfg  *config.Config
	deps Deps
	jwt  *auth.JWTMiddleware
}

func NewRouter(cfg *config.Config, deps Deps) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		cfg:  cfg,
		deps: deps,
		jwt:  auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
	}
}

// Setup mounts every route. ctx bounds the rate limiter's background sweep.
func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigin))

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.deps.DB, rt.deps.Redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	rps := rt.cfg.Server.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	rl := middleware.NewRateLimiter(ctx, float64(rps), rps*2)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rl.Limit)
		r.Use(rt.jwt.Authenticate)

		extH := handlers.NewExtractionHandler(rt.deps.Extractions, int64(rt.cfg.Server.MaxUploadMB)<<20)
		r.Route("/extractions", func(r chi.Router) {
			r.Post("/", extH.Create)
			r.Post("/sync", extH.Sync)
			r.Get("/", extH.List)
			r.Get("/{id}", extH.Get)
			r.Delete("/{id}", extH.Delete)
			r.Get("/{id}/tiles", extH.Tiles)
			r.Post("/{id}/tiles/{index}/retry", extH.RetryTile)
		})

		modelsH := handlers.NewModelsHandler(rt.deps.Models)
		r.Get("/models", modelsH.List)
	})

	return r
}
