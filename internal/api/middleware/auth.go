package middleware

import (
	"net/http"
	"strings"

	"github.com/osercinoglu/grinn-web/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// WorkerAuth guards the worker-facing endpoints with a shared registration
// token, stored only as a bcrypt hash.
type WorkerAuth struct {
	hash []byte
}

// NewWorkerAuth creates the middleware. An empty hash disables the check.
func NewWorkerAuth(tokenHash string) *WorkerAuth {
	return &WorkerAuth{hash: []byte(strings.TrimSpace(tokenHash))}
}

// Enabled reports whether a token is required.
func (a *WorkerAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Authenticate validates the Bearer token against the configured hash.
func (a *WorkerAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid worker token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setWorkerAuthenticated(r.Context())))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
