// Package middleware adapts the request-logging and panic-recovery
// handlers of the read API, following the shape of loghunter's own
// internal/api/middleware package.
package middleware

import (
	"log"
	"net/http"
	"runtime/debug"
)

// Recovery converts a panic in any downstream handler into a 500 response
// instead of letting it crash the process.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("api: panic recovered: %v\n%s", err, debug.Stack())
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
