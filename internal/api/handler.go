// Package api provides HTTP handlers for the VM service API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/identity"
	"github.com/ashureev/shsh-vms/internal/middleware"
	"github.com/ashureev/shsh-vms/internal/store"
	"github.com/ashureev/shsh-vms/internal/vm"
)

const maxBodyBytes = 1 << 20

// Handler serves the user and admin REST endpoints.
type Handler struct {
	vms     *vm.Manager
	users   *identity.Service
	repo    store.Repository
	limiter *middleware.RateLimiter
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting
// on mutating routes.
func NewHandler(vms *vm.Manager, users *identity.Service, repo store.Repository, limiter *middleware.RateLimiter) *Handler {
	return &Handler{
		vms:     vms,
		users:   users,
		repo:    repo,
		limiter: limiter,
	}
}

// RegisterRoutes mounts every authenticated /api route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(h.users))

		r.Get("/me", h.Me)

		r.Route("/vms", func(r chi.Router) {
			r.Get("/", h.ListVMs)
			r.Get("/{id}", h.GetVM)

			r.Group(func(r chi.Router) {
				r.Use(h.limit)
				r.Post("/", h.CreateVM)
				r.Post("/{id}/start", h.StartVM)
				r.Post("/{id}/stop", h.StopVM)
				r.Delete("/{id}", h.TerminateVM)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(identity.RequireAdmin)

			r.Get("/host", h.HostInfo)
			r.Get("/containers", h.ListContainers)
			r.Post("/containers/{handle}/stop", h.ForceStop)
			r.Delete("/containers/{handle}", h.ForceRemove)
			r.Get("/users", h.ListUsers)
			r.Post("/users", h.CreateUser)
			r.Post("/users/{id}/credits", h.AdjustCredits)
		})
	})
}

func (h *Handler) limit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Handler(next)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidRequest)
	}
	return nil
}

// caller describes the authenticated user for lifecycle calls.
func caller(r *http.Request) vm.Caller {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		return vm.Caller{}
	}
	return vm.Caller{UserID: user.UserID, Admin: user.IsAdmin()}
}
