package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"alertrelay/services/scheduler"
	"alertrelay/services/sessions"
)

const (
	defaultRateLimit      = 100
	defaultRequestTimeout = 30 * time.Second
)

// Directory is the read side of the user cache.
type Directory interface {
	Contains(id string) bool
	Snapshot() []string
	LastRefresh() time.Time
}

// Sessions is the session store as used by the HTTP surface.
type Sessions interface {
	RegisterActive(ctx context.Context, id string, clientTS *time.Time) bool
	List() []sessions.Session
	ListActive(threshold time.Duration) []string
}

// Credentials manages the remote API token.
type Credentials interface {
	IsConfigured() bool
	Set(ctx context.Context, candidate string) error
}

// Daemon controls the relay scheduler.
type Daemon interface {
	Start()
	Stop()
	Status() scheduler.Status
}

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP.
	RateLimit           int
	RequestTimeout      time.Duration
	InactivityThreshold time.Duration
}

// Deps are the components behind the handlers. Ready, Metrics and Middleware
// are optional.
type Deps struct {
	Directory   Directory
	Sessions    Sessions
	Credentials Credentials
	Daemon      Daemon
	Publisher   Publisher
	Ready       func(context.Context) error
	Metrics     http.Handler
	Middleware  func(http.Handler) http.Handler
	Logger      zerolog.Logger
}

// API serves the relay's control endpoints.
type API struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New validates deps and applies defaults to cfg.
func New(cfg Config, deps Deps) (*API, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("directory is required")
	case deps.Sessions == nil:
		return nil, errors.New("sessions are required")
	case deps.Credentials == nil:
		return nil, errors.New("credentials are required")
	case deps.Daemon == nil:
		return nil, errors.New("daemon is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = sessions.DefaultInactivityThreshold
	}
	return &API{cfg: cfg, deps: deps, log: deps.Logger.With().Str("component", "api").Logger()}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if a.deps.Middleware != nil {
		r.Use(a.deps.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.cfg.RequestTimeout))

	allowed := a.cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	if a.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.cfg.RateLimit, time.Minute))

		r.Post("/auth/login", a.handleLogin)
		r.Get("/users", a.handleUsers)
		r.Get("/sessions", a.handleSessions)
		r.Post("/connection/check", a.handleConnectionCheck)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/token-status", a.handleTokenStatus)
			r.Post("/token", a.handleSetToken)
		})

		r.Route("/daemon", func(r chi.Router) {
			r.Get("/status", a.handleDaemonStatus)
			r.Post("/start", a.handleDaemonStart)
			r.Post("/stop", a.handleDaemonStop)
		})

		r.Post("/notify", a.handleNotify)
	})

	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
