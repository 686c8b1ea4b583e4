package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/identity"
)

type createUserRequest struct {
	Username string      `json:"username"`
	Role     domain.Role `json:"role,omitempty"`
	Credits  int64       `json:"credits"`
}

type createUserResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token"`
}

type adjustCreditsRequest struct {
	Delta int64 `json:"delta"`
}

type forceResponse struct {
	ContainerID string     `json:"container_id"`
	VM          *domain.VM `json:"vm"`
}

// HostInfo reports the container engine host.
func (h *Handler) HostInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.vms.Runtime().HostInfo(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("host info: %w", err))
		return
	}
	JSON(w, http.StatusOK, info)
}

// ListContainers lists every managed runtime instance, including ones with
// no matching record.
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	instances, err := h.vms.Runtime().ListAll(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list containers: %w", err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"containers": instances})
}

// ForceStop stops a runtime instance by handle.
func (h *Handler) ForceStop(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	vm, err := h.vms.AdminForceStop(r.Context(), handle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Admin force stop", "admin_id", identity.UserIDFromContext(r.Context()), "container_id", handle)
	JSON(w, http.StatusOK, forceResponse{ContainerID: handle, VM: vm})
}

// ForceRemove removes a runtime instance by handle.
func (h *Handler) ForceRemove(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	vm, err := h.vms.AdminForceRemove(r.Context(), handle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Admin force remove", "admin_id", identity.UserIDFromContext(r.Context()), "container_id", handle)
	JSON(w, http.StatusOK, forceResponse{ContainerID: handle, VM: vm})
}

// ListUsers returns every account.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	if users == nil {
		users = []*domain.User{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// CreateUser creates an account and returns its API token once.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, token, err := h.users.CreateUser(r.Context(), req.Username, req.Role, req.Credits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("User created", "admin_id", identity.UserIDFromContext(r.Context()), "user_id", user.UserID, "role", user.Role)
	JSON(w, http.StatusCreated, createUserResponse{User: user, Token: token})
}

// AdjustCredits adds a signed delta to a user's balance, flooring at zero.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := chi.URLParam(r, "id")
	credits, err := h.repo.AdjustCredits(r.Context(), userID, req.Delta)
	if err != nil {
		writeError(w, r, fmt.Errorf("adjust credits for %s: %w", userID, err))
		return
	}
	slog.Info("Credits adjusted", "admin_id", identity.UserIDFromContext(r.Context()), "user_id", userID, "delta", req.Delta, "credits", credits)
	JSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "credits": credits})
}
