package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HealthcheckRouter builds the process liveness route.
func HealthcheckRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
