package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/marketdesk/refresher/internal/auth"
	"github.com/marketdesk/refresher/internal/log"
	"github.com/marketdesk/refresher/internal/model"
)

type userKey struct{}

// UserFromContext returns the user resolved by the authenticate middleware.
func UserFromContext(ctx context.Context) (auth.User, bool) {
	u, ok := ctx.Value(userKey{}).(auth.User)
	return u, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// accessLog stores request attributes in the context for every log record of
// the request and writes one record when the request is done.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextAttrs(r.Context(),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if strings.HasPrefix(r.URL.Path, "/api/status") || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(ctx, level, "http request",
			"status", status,
			"bytes", ww.BytesWritten(),
			"remote", clientIP(r),
			"duration", time.Since(start),
		)
	})
}

// authenticate resolves an optional bearer token. Requests without a valid
// token continue anonymously; requireUser and requireAdmin reject them.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.users.Verify(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidSession) {
				slog.ErrorContext(r.Context(), "verifying session failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		ctx = log.ContextAttrs(ctx, slog.String("user", user.Username))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			respondError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			respondError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.IsAdmin {
			respondError(w, r, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admission rejects requests outside the configured time-of-day window.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.window.Allows(s.now()) {
			respondError(w, r, http.StatusForbidden, "refresh is only allowed during "+s.window.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter is a token bucket per client IP. Idle buckets are dropped after
// ttl.
type ipLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mx       sync.Mutex
	limiters map[string]*cachedLimiter
	sweep    time.Time
}

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(cfg *model.LoginRate, now func() time.Time) *ipLimiter {
	if cfg == nil || cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limit:    rate.Limit(float64(cfg.PerMinute) / 60),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      now,
		limiters: make(map[string]*cachedLimiter),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mx.Lock()
	defer l.mx.Unlock()

	if now.Sub(l.sweep) > l.ttl {
		for k, c := range l.limiters {
			if now.Sub(c.lastSeen) > l.ttl {
				delete(l.limiters, k)
			}
		}
		l.sweep = now
	}

	c, ok := l.limiters[ip]
	if !ok {
		c = &cachedLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			respondMsg(w, r, http.StatusTooManyRequests, "too many attempts, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
