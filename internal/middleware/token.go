package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/portsidehq/portside/internal/authtoken"
)

type contextKey string

const sessionIDKey contextKey = "attach_session_id"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAttachToken verifies the attach token carried in the X-Attach-Token
// header (or, for WebSocket upgrades, the token query parameter) and checks
// it was minted for the session named in the route. Requests without a
// valid, matching token are rejected before any handler runs.
func RequireAttachToken(ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Attach-Token")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Attach token required"})
				return
			}

			sessionID, err := authtoken.Verify(token, ttl)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired attach token"})
				return
			}
			if routeID := chi.URLParam(r, "id"); routeID != "" && routeID != sessionID {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Token not valid for this session"})
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenSessionID returns the session ID the verified attach token was
// minted for, or "" when the request carried none.
func TokenSessionID(r *http.Request) string {
	if v, ok := r.Context().Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}
