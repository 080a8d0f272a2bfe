// Package authmw guards the alert API with a static bearer token.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken returns middleware rejecting any request whose Authorization
// header does not carry the configured token. Both sides are hashed before
// the constant-time compare so the comparison is length-independent.
func BearerToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" || rest == "" {
		return "", false
	}
	return rest, true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
