package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/pion/logging"
)

// Recovery middleware recovers from panics
func Recovery(log logging.LeveledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					// Log the error and stack trace
					log.Errorf("PANIC: %v\n%s", err, debug.Stack())

					// Return an error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)

					response := map[string]string{
						"error": "Internal server error",
					}

					// Attempt to encode the error
					if encodingErr := json.NewEncoder(w).Encode(response); encodingErr != nil {
						log.Errorf("Error encoding panic response: %v", encodingErr)
					}
				}
			}()

			// Process request
			next.ServeHTTP(w, r)
		})
	}
}
