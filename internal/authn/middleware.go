package authn

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/astrid-app/astrid/internal/platform/httpx"
)

// Middleware guards a route subtree behind bearer verification.
type Middleware func(http.Handler) http.Handler

// RequireToken verifies the Authorization header on every request and stores
// the resulting claims in the request context. The subject never comes from
// anywhere else.
func RequireToken(verifier Verifier, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing or malformed bearer token")
				return
			}
			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				logger.Warn("token verification failed",
					slog.String("remote", r.RemoteAddr),
					slog.Any("error", err))
				unauthorized(w, "token verification failed")
				return
			}
			if claims.Subject == "" {
				unauthorized(w, "token carries no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken pulls the token out of the Authorization header. The scheme
// match is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="astrid"`)
	httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", detail)
}
