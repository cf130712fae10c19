package httpx

import (
	"context"
	"net/http"
	"strings"

	"counselsync/libs/auth"
)

// ClaimsFromContext returns the verified token claims, if any.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return v
}

// WithBearerAuth rejects requests lacking a valid HS256 bearer token signed
// with secret. When roles is non-empty, the token's role must be one of them.
func WithBearerAuth(secret string, roles ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := auth.ParseAndVerifyHS256(strings.TrimSpace(token), secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if len(roles) > 0 && !roleAllowed(claims.Role, roles) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func roleAllowed(role string, allowed []string) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}
