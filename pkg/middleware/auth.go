package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/Harshitk-cp/camrelay/internal/auth"
)

// Auth is middleware that checks viewer tokens. The claims are stored in
// the request context. With auth disabled requests pass untouched.
func Auth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authService.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}

			if claims != nil {
				r = r.WithContext(auth.WithClaims(r.Context(), claims))
			}

			next.ServeHTTP(w, r)
		})
	}
}
