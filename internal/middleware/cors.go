package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// CORS lets the listed wallet frontends call the API with bearer tokens.
// Entries are exact origins, "*" for any origin, or ".example.org" for every
// subdomain of example.org.
func CORS(origins []string) mux.MiddlewareFunc {
	exact := make(map[string]bool, len(origins))
	var suffixes []string
	allowAny := false
	for _, o := range origins {
		switch {
		case o == "*":
			allowAny = true
		case strings.HasPrefix(o, "."):
			suffixes = append(suffixes, o)
		default:
			exact[strings.TrimSuffix(o, "/")] = true
		}
	}
	allowed := func(origin string) bool {
		if allowAny || exact[origin] {
			return true
		}
		for _, s := range suffixes {
			if strings.HasSuffix(origin, s) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			ok := allowed(origin)
			if ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			}

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				next.ServeHTTP(w, r)
				return
			}
			// Preflight ends here whether or not the origin is allowed.
			if ok {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIDHeader)
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
