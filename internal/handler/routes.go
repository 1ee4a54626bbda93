package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/msomdec/user-admin/internal/observability"
	"github.com/msomdec/user-admin/internal/service"
)

// Config aggregates the dependencies of the HTTP surface.
type Config struct {
	Sessions *service.SessionManager
	Users    *service.UserService
	// Metrics, Throttle, JobsHealth and QueuePinger are optional.
	Metrics     *observability.Metrics
	Throttle    *service.AccountThrottle
	JobsHealth  http.HandlerFunc
	QueuePinger Pinger
	// StreamsDone ends open event streams when closed.
	StreamsDone <-chan struct{}

	SessionTTL     time.Duration
	CookieSecure   bool
	LoginRateLimit int
}

// RegisterRoutes sets up all HTTP routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, cfg Config) {
	authHandler := NewAuthHandler(cfg.Sessions, cfg.Throttle, cfg.SessionTTL, cfg.CookieSecure)
	userHandler := NewUserHandler(cfg.Users, cfg.CookieSecure)
	eventsHandler := NewEventsHandler(cfg.Sessions, cfg.StreamsDone)
	healthHandler := NewHealthHandler(cfg.QueuePinger)

	protect := func(h http.HandlerFunc) http.Handler {
		return RequireSession(cfg.Sessions, cfg.CookieSecure, h)
	}

	limit := cfg.LoginRateLimit
	if limit <= 0 {
		limit = 10
	}

	// Public
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	mux.HandleFunc("GET /login", authHandler.HandleLoginPage)
	mux.Handle("POST /login", LoginRateLimit(limit)(http.HandlerFunc(authHandler.HandleLogin)))
	mux.HandleFunc("POST /logout", authHandler.HandleLogout)

	// Signed in
	mux.Handle("GET /{$}", protect(userHandler.HandleHome))
	mux.Handle("GET /users/{id}/edit", protect(userHandler.HandleEdit))
	mux.Handle("POST /users", protect(userHandler.HandleCreate))
	mux.Handle("POST /users/validate", protect(userHandler.HandleValidate))
	mux.Handle("POST /users/{id}", protect(userHandler.HandleUpdate))
	mux.Handle("POST /users/{id}/delete", protect(userHandler.HandleDelete))
	mux.Handle("POST /sync-issues/{id}/retry", protect(userHandler.HandleRetrySync))
	mux.Handle("GET /events/session", protect(eventsHandler.HandleSessionEvents))
	if cfg.JobsHealth != nil {
		mux.Handle("GET /jobs/health", protect(cfg.JobsHealth))
	}
}

// NewRouter builds the mux and wraps it in the middleware stack.
func NewRouter(cfg Config) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, cfg)

	return chain(cfg.Metrics.Middleware(mux),
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		SecurityHeaders(),
		http.NewCrossOriginProtection().Handler,
	)
}
