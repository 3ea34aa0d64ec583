package api

import (
	"net/http"
	"time"

	"cipher.share/config"
	"cipher.share/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterDeps carries what the router needs beyond the handler. Nil
// limiters disable rate limiting; a nil MetricsHandler leaves /metrics
// unrouted.
type RouterDeps struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	APILimiter     *RateLimiter
	DecodeLimiter  *RateLimiter
}

// NewRateLimiters builds the general and the decode limiter from config,
// or nil for both when rate limiting is off.
func NewRateLimiters(cfg config.RateLimitConfig) (api, decode *RateLimiter) {
	if !cfg.Enabled {
		return nil, nil
	}
	return NewRateLimiter(cfg.RequestsPerMin, time.Minute), NewRateLimiter(cfg.DecodePerMin, time.Minute)
}

func SetupRouter(h *Handler, d RouterDeps) *chi.Mux {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(d.Metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	if d.Config.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.Config.Server.RequestTimeout))
	}

	// CORS
	r.Use(CORS(CORSConfig{
		AllowedOrigins: d.Config.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         d.Config.CORS.MaxAge,
	}))

	// Health
	r.Get("/health", h.Health)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, d.Config.Metrics.Path, d.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if d.APILimiter != nil {
			r.Use(d.APILimiter.Middleware)
		}
		r.Use(JSONOnly)

		decode := r.With()
		if d.DecodeLimiter != nil {
			decode = r.With(d.DecodeLimiter.Middleware)
		}

		r.Post("/encode", h.Encode)
		decode.Post("/decode", h.Decode)
		r.Delete("/objects/{fileID}", h.RetractObject)

		r.Route("/posts", func(r chi.Router) {
			r.Get("/", h.ListPosts)
			r.Post("/", h.CreatePost)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", h.DeletePost)
				r.Post("/like", h.LikePost)
				r.Post("/comment", h.AddComment)
				r.Delete("/comment/{index}", h.DeleteComment)
				r.Delete("/comments/{commentID}", h.DeleteCommentByID)
			})
		})
	})

	// Bare share tokens
	r.Get("/{compositeKey}", h.Redirect)

	return r
}
