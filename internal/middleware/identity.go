package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/smsrelay/backend/internal/auth"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenVerifier is satisfied by auth.Tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Authenticate verifies the Bearer token and puts the caller's identity in
// the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
				return
			}
			id, err := verifier.Verify(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects callers whose role is not role. It must run after
// Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromCtx(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
				return
			}
			if id.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "requires role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromCtx returns the authenticated caller.
func IdentityFromCtx(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(auth.Identity)
	return id, ok
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
