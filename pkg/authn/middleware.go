package authn

import (
	"net/http"
	"strings"

	"github.com/trustplane/kernel/pkg/kernelerr"
)

// publicPaths never require a bearer token.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

func isPublicPath(path string) bool { return publicPaths[path] }

// Middleware builds JWT-authenticating HTTP middleware. A nil manager
// fails closed: every non-public request is rejected, rather than
// silently admitting unauthenticated callers.
func Middleware(tm *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if tm == nil {
				writeUnauthenticated(w, r, "authentication not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthenticated(w, r, "missing or malformed Authorization header")
				return
			}

			principal, err := tm.ValidateToken(parts[1])
			if err != nil {
				writeUnauthenticated(w, r, "invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole builds middleware that additionally rejects a request
// whose Principal lacks role, with ForbiddenError rather than
// UnauthenticatedError — the caller is known, just not permitted.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := FromContext(r.Context())
			if err != nil || !principal.HasRole(role) {
				kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindForbidden, "principal lacks required role: "+role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request, msg string) {
	kernelerr.WriteHTTP(w, r, kernelerr.New(kernelerr.KindUnauthenticated, msg))
}
