package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires the token as a bearer header or a token query
// parameter. EventSource clients cannot set headers, so SSE relies on the latter.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || tokenMatches(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="wingetd"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

func tokenMatches(r *http.Request, token string) bool {
	if q := r.URL.Query().Get("token"); q != "" && constantTimeEqual(q, token) {
		return true
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return constantTimeEqual(rest, token)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
