package auth

import (
	"net/http"
	"strings"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Middleware validates the Authorization bearer token and stashes the user
// id in the request context. Requests without a valid session get a 401.
func Middleware(tokens *TokenIssuer, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			session, err := tokens.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				logger.Warn("rejected session token", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), session.UserID)))
		})
	}
}
