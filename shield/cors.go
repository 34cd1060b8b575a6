package shield

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows browser calls from origins. Credentials are allowed so the
// token cookie set at login travels with cross-origin requests. An empty
// list disables cross-origin access.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Trace-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
