// Package api is the HTTP surface of the refresher: status polling, refresh
// triggers, authentication and user administration. Unmatched GET and HEAD
// requests fall through to the static dashboard.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/marketdesk/refresher/internal/auth"
	"github.com/marketdesk/refresher/internal/metrics"
	"github.com/marketdesk/refresher/internal/model"
	"github.com/marketdesk/refresher/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Scheduler is the part of service.Supervisor used by the handlers.
type Scheduler interface {
	TryStart(mode service.Mode, keys []string) (service.RunInfo, error)
	Cancel() (service.RunInfo, error)
	Status() service.Status
}

// Users is the part of auth.Store used by the handlers.
type Users interface {
	Register(ctx context.Context, username, password, displayName, ip string) (auth.User, error)
	Login(ctx context.Context, username, password, ip string) (auth.Session, auth.User, error)
	Verify(ctx context.Context, token string) (auth.User, error)
	Logout(ctx context.Context, token string) error
	Users(ctx context.Context) ([]auth.User, error)
	ToggleStatus(ctx context.Context, id int64) (auth.User, error)
	DeleteUser(ctx context.Context, id int64) error
	ResetPassword(ctx context.Context, id int64, password string) error
	LoginLog(ctx context.Context, limit int) ([]auth.LoginLogEntry, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Listen         string
	MaxConnections int
	TrustProxy     bool
	// Window gates the refresh routes, nil is always open.
	Window    *model.Window
	LoginRate *model.LoginRate
	Metrics   *metrics.Metrics
	// Static serves unmatched GET and HEAD requests.
	Static http.Handler
	Now    func() time.Time
}

type Server struct {
	sched   Scheduler
	users   Users
	opts    Options
	window  *model.Window
	metrics *metrics.Metrics
	limiter *ipLimiter
	now     func() time.Time
}

func New(sched Scheduler, users Users, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		sched:   sched,
		users:   users,
		opts:    opts,
		window:  opts.Window,
		metrics: opts.Metrics,
		limiter: newIPLimiter(opts.LoginRate, opts.Now),
		now:     opts.Now,
	}
}

// FromConfig builds a Server for cfg.Service and cfg.Auth.
func FromConfig(cfg model.Config, sched Scheduler, users Users, static http.Handler, m *metrics.Metrics) (*Server, error) {
	opts := Options{
		Listen:         cfg.Service.Listen,
		MaxConnections: cfg.Service.MaxConnections,
		TrustProxy:     cfg.Service.TrustProxy,
		LoginRate:      cfg.Auth.LoginRate,
		Metrics:        m,
		Static:         static,
	}
	if cfg.Service.Admission != nil {
		w, err := cfg.Service.Admission.Window()
		if err != nil {
			return nil, fmt.Errorf("service.admission: %w", err)
		}
		opts.Window = w
	}
	return New(sched, users, opts), nil
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.With(s.admission).Post("/refresh/{key}", s.handleRefresh)
			r.With(s.admission).Post("/refresh-all", s.handleRefreshAll)
			// Only starting a refresh is time-gated, a run can be
			// cancelled at any hour.
			r.Post("/cancel", s.handleCancel)
		})

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimit).Post("/register", s.handleRegister)
			r.With(s.rateLimit).Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.With(s.requireUser).Get("/me", s.handleMe)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/users", s.handleUsers)
			r.Get("/login-log", s.handleLoginLog)
			r.Post("/users/{id}/toggle", s.handleToggle)
			r.Post("/users/{id}", s.handleDelete)
			r.Delete("/users/{id}", s.handleDelete)
			r.Post("/users/{id}/delete", s.handleDelete)
			r.Post("/users/{id}/reset-password", s.handleResetPassword)
		})
	})

	r.NotFound(s.fallback)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// fallback hands requests for unknown routes to the static cache.
func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	if s.opts.Static == nil {
		respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	s.opts.Static.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.users.Ping(ctx); err != nil {
		slog.ErrorContext(ctx, "health check failed", "error", err)
		respondJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Run listens on opts.Listen and serves until ctx is done, then shuts the
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-serverErr
}
