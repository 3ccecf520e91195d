package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"notes_core/internal/domain"
)

// UserHeader carries the caller identity established by the authenticating
// gateway in front of this service.
const UserHeader = "X-User-ID"

type contextKey string

const userContextKey contextKey = "user"

// RequireUser rejects requests without a caller identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := domain.UserID(strings.TrimSpace(r.Header.Get(UserHeader)))
		if !user.Valid() {
			jsonError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func WithUser(ctx context.Context, user domain.UserID) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the caller identity, or the empty id.
func UserFromContext(ctx context.Context) domain.UserID {
	user, _ := ctx.Value(userContextKey).(domain.UserID)
	return user
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
