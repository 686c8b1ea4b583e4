package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/identity"
	"github.com/ashureev/shsh-vms/internal/vm"
)

type createVMRequest struct {
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
	Memory string `json:"memory,omitempty"`
}

type meResponse struct {
	User      *domain.User `json:"user"`
	ActiveVMs int          `json:"active_vms"`
}

// Me returns the caller's account with a fresh credit balance.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	user, err := h.repo.GetUser(ctx, userID)
	if err != nil {
		writeError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	active, err := h.repo.CountActiveVMs(ctx, userID)
	if err != nil {
		writeError(w, r, fmt.Errorf("count vms: %w", err))
		return
	}

	JSON(w, http.StatusOK, meResponse{User: user, ActiveVMs: active})
}

// ListVMs returns the caller's VMs, terminated ones included.
func (h *Handler) ListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := h.vms.List(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if vms == nil {
		vms = []*domain.VM{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"vms": vms})
}

// CreateVM provisions and starts a new VM for the caller.
func (h *Handler) CreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var memory int64
	if s := strings.TrimSpace(req.Memory); s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("memory %q: %w", req.Memory, domain.ErrInvalidRequest))
			return
		}
		memory = n
	}

	userID := identity.UserIDFromContext(r.Context())
	created, err := h.vms.Provision(r.Context(), vm.ProvisionRequest{
		OwnerID:     userID,
		Name:        req.Name,
		Image:       req.Image,
		MemoryBytes: memory,
	})
	if err != nil {
		slog.Warn("Provision failed", "user_id", userID, "name", req.Name, "error", err)
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusCreated, created)
}

// GetVM returns a VM after reconciling it with the runtime.
func (h *Handler) GetVM(w http.ResponseWriter, r *http.Request) {
	got, err := h.vms.Status(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, got)
}

// StartVM starts a stopped VM.
func (h *Handler) StartVM(w http.ResponseWriter, r *http.Request) {
	started, err := h.vms.Start(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, started)
}

// StopVM stops a running VM and bills the interval.
func (h *Handler) StopVM(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.vms.Stop(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stopped)
}

// TerminateVM destroys a VM. Admins may terminate any VM.
func (h *Handler) TerminateVM(w http.ResponseWriter, r *http.Request) {
	terminated, err := h.vms.Terminate(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, terminated)
}
