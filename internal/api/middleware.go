package api

import (
	"net/http"
	"net/url"
)

// RequireSameOrigin rejects state-changing requests whose Origin (or
// Referer, when Origin is absent) does not match the request host. Requests
// without either header pass: non-browser clients send neither.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}
