/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address from proxy headers
  3. Logger:        Request logging
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests from the storefront
  6. RateLimiter:   Per-IP fixed window (gateway, optional)
  7. Authenticator: Optional bearer identity (gateway, optional)

ROUTE GROUPS:
  /api/layaways/*       Public plan creation, lookup, payments
  /api/admin/*          Admin listing, pickup, audit (RequireAdmin)
  /api/health           Liveness
  /*                    Static files (storefront build), when configured

SEE ALSO:
  - handlers.go: Handler implementations
  - gateway/: Auth and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ariyofashion/layaway/gateway"
)

// RouterOptions carries the optional gateway pieces.
type RouterOptions struct {
	AllowedOrigins []string
	Authenticator  *gateway.Authenticator
	RateLimiter    *gateway.RateLimiter
	StaticDir      string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           300,
	}))
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Middleware)
	}
	if opts.Authenticator != nil {
		r.Use(opts.Authenticator.Middleware)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Layaway routes
		r.Route("/layaways", func(r chi.Router) {
			r.Get("/", h.FindLayaways)
			r.Post("/", h.CreateLayaway)
			r.Put("/", h.RecordPaymentLegacy)
			r.Get("/{id}", h.GetLayaway)
			r.Post("/{id}/payments", h.RecordPayment)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(gateway.RequireAdmin)
			r.Get("/layaways", h.ListLayaways)
			r.Post("/layaways/{id}/collect", h.MarkCollected)
			r.Post("/audit", h.TriggerAudit)
		})
	})

	if opts.StaticDir != "" {
		mountStatic(r, opts.StaticDir)
	}

	return r
}

// mountStatic serves the storefront build with index.html fallback for
// client-side routing.
func mountStatic(r chi.Router, staticDir string) {
	if _, err := os.Stat(staticDir); err != nil {
		return
	}
	fileServer := http.FileServer(http.Dir(staticDir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		fullPath := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
