package router

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/authz"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDMiddleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// RequestIDMiddleware keeps an incoming X-Request-Id or assigns a snowflake
// id, echoes it on the response and stores it on the request context.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = utilities.NewSnowflakeID()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent MIME sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			// responses carry tokens and must never be cached
			w.Header().Set("Cache-Control", "no-store")

			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
			}

			// HSTS only over TLS
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts the auth endpoints on a standard library ServeMux.
// Protected routes go through authz.RequireAuth; the item store installed
// here lets handlers read the resolved identity without a second lookup.
func RegisterRoutes(logger *zap.SugaredLogger, users *user.Handler, resolver *authz.Resolver) http.Handler {
	mux := http.NewServeMux()
	auth := authz.RequireAuth(resolver, logger)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /auth/accounts/authenticate", users.AuthenticateAccount)
	mux.HandleFunc("POST /auth/users/authenticate", users.AuthenticateUser)

	mux.Handle("POST /auth/profiles/authenticate", auth(http.HandlerFunc(users.AuthenticateProfile)))
	mux.Handle("GET /auth/profiles", auth(http.HandlerFunc(users.ListProfiles)))
	mux.Handle("POST /auth/profiles", auth(http.HandlerFunc(users.CreateProfile)))
	mux.Handle("POST /auth/logout", auth(http.HandlerFunc(users.Logout)))
	mux.Handle("GET /auth/me", auth(http.HandlerFunc(users.Me)))
	mux.Handle("GET /auth/sessions", auth(http.HandlerFunc(users.ListSessions)))
	mux.Handle("POST /auth/accounts/password", auth(http.HandlerFunc(users.ChangeAccountPassword)))
	mux.Handle("POST /users/{id}/password", auth(http.HandlerFunc(users.ChangePassword)))

	mux.Handle("POST /accounts", auth(http.HandlerFunc(users.CreateAccount)))
	mux.Handle("POST /accounts/{id}/disable", auth(http.HandlerFunc(users.DisableAccount)))

	handler := authz.ItemsMiddleware()(mux)
	handler = SecurityHeadersMiddleware()(handler)
	handler = LoggingMiddleware(logger)(handler)
	return RequestIDMiddleware()(handler)
}
