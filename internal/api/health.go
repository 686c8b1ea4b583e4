package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-vms/internal/health"
)

// HealthHandler reports readiness of the database and the container engine.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler creates a HealthHandler backed by checker.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health runs every probe and returns 503 if any fails.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.checker.Check(r.Context())
	status := http.StatusOK
	if !st.Healthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, st)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
