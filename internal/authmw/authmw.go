// Package authmw provides HTTP middleware for bearer token authentication of
// the dashboard API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// QueryParam carries the token for clients that cannot set headers, such as
// a browser opening a websocket.
const QueryParam = "access_token"

// BearerToken returns middleware that requires the request to present token,
// either as "Authorization: Bearer <token>" or in the QueryParam query
// parameter. An empty token disables authentication.
func BearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := presented(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="roadwatch"`)
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			// constant time
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func presented(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", false
		}
		return auth[len("Bearer "):], true
	}
	if q := r.URL.Query().Get(QueryParam); q != "" {
		return q, true
	}
	return "", false
}
