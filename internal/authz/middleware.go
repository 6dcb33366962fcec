package authz

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ItemsMiddleware gives every request its own item store so resolution is
// cached per request.
func ItemsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithItems(r.Context())))
		})
	}
}

// RequireAuth resolves the request and rejects it with 401 unless it
// carries a live token. Store failures answer 500.
func RequireAuth(res *Resolver, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ItemsFrom(r.Context()) == nil {
				r = r.WithContext(WithItems(r.Context()))
			}
			info, err := res.Resolve(r)
			if err != nil {
				logger.Errorw("authorization lookup failed", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusInternalServerError, "authorization unavailable")
				return
			}
			if !info.Authenticated() {
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FromRequest returns the info cached by an earlier Resolve on r, if any.
func FromRequest(r *http.Request) *AuthorizationInfo {
	items := ItemsFrom(r.Context())
	if items == nil {
		return nil
	}
	v, _ := items.Get(ItemAuthorizationInfo)
	info, _ := v.(*AuthorizationInfo)
	return info
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
