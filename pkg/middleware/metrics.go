package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Harshitk-cp/camrelay/internal/metrics"
)

// Metrics middleware records request counts and latency per route
func Metrics(collector metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Start timer
			start := time.Now()

			// Create response writer wrapper
			rw := wrap(w)

			// Process request
			next.ServeHTTP(rw, r)

			collector.HTTPRequest(r.Method, routePattern(r), rw.statusCode, time.Since(start))
		})
	}
}

// routePattern returns the matched mux template so peer IDs do not explode
// label cardinality
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
