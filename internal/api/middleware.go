package api

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/otel"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/shared"
)

const traceHeader = "X-Trace-ID"

type userKey struct{}
type sessionKey struct{}

func withUser(ctx context.Context, u persistence.User, sess persistence.Session) context.Context {
	ctx = context.WithValue(ctx, userKey{}, u)
	ctx = context.WithValue(ctx, sessionKey{}, sess)
	return shared.WithActor(ctx, u.Username)
}

// userFrom returns the session user, if the request carried a valid cookie.
func userFrom(ctx context.Context) (persistence.User, persistence.Session, bool) {
	u, ok := ctx.Value(userKey{}).(persistence.User)
	if !ok {
		return persistence.User{}, persistence.Session{}, false
	}
	sess, _ := ctx.Value(sessionKey{}).(persistence.Session)
	return u, sess, true
}

// traceMiddleware propagates or mints a trace id for every request.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" || len(id) > 64 {
			id = shared.NewTraceID()
		}
		w.Header().Set(traceHeader, id)
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("clawdash.trace_id", id),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(ctx, id)))
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"trace_id", id, "duration_ms", time.Since(start).Milliseconds())
	})
}

// corsMiddleware answers preflights and echoes allowed origins. Settings are
// read per request so config reloads apply without a restart.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		cfg := s.cors
		s.mu.RUnlock()
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range cfg.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if origin != "" && allowed {
			methods := cfg.AllowedMethods
			if len(methods) == 0 {
				methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
			}
			headers := cfg.AllowedHeaders
			if len(headers) == 0 {
				headers = []string{"Content-Type", "Authorization", "X-API-Key", traceHeader}
			}
			maxAge := cfg.MaxAge
			if maxAge == 0 {
				maxAge = 3600
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestSizeLimit caps request bodies.
func requestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, enabled, _, _, _ := s.settings()
		if !enabled || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			key = clientIP(r)
		}
		if !s.limiter.Allow(key) {
			s.metrics.RateLimited(r.Context(), "api")
			w.Header().Set("Retry-After", retryAfterSeconds(s.limiter.RetryAfter(key)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests, please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publicPaths are reachable without a session or API key.
var publicPaths = map[string]bool{
	"/healthz":           true,
	"/api/auth/login":    true,
	"/api/auth/logout":   true,
	"/api/auth/status":   true,
	"/api/system/health": true,
}

// authMiddleware accepts a static API key or a session cookie. The session
// user, when present, is attached even on public paths.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if sid := auth.SessionID(r); sid != "" {
			if u, sess, err := s.auth.Resolve(ctx, sid); err == nil {
				ctx = withUser(ctx, u, sess)
			} else if !errors.Is(err, auth.ErrUnauthenticated) {
				s.logger.Warn("session lookup failed", "error", err)
			}
		}

		enabled, _, _, _, _ := s.settings()
		if !enabled || publicPaths[r.URL.Path] || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if key := extractAPIKey(r); key != "" {
			name, ok := s.lookupKey(key)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
				return
			}
			if name == "" {
				name = "api-key"
			}
			next.ServeHTTP(w, r.WithContext(shared.WithActor(ctx, "apikey:"+name)))
			return
		}

		if _, _, ok := userFrom(ctx); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized, please login"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractAPIKey checks Authorization: Bearer, then X-API-Key, then the
// api_key query parameter (EventSource cannot set headers).
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
