// Package vm implements the sandbox lifecycle: provisioning, start/stop with
// metered billing, termination and status reconciliation.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-vms/internal/billing"
	"github.com/ashureev/shsh-vms/internal/container"
	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/ports"
	"github.com/ashureev/shsh-vms/internal/shared"
	"github.com/ashureev/shsh-vms/internal/store"
)

const (
	maxNameLength = 64

	// claimAttempts bounds how often provisioning retries after another
	// writer claimed the reserved port first.
	claimAttempts = 5

	// terminateAttempts bounds reloads after a concurrent status change.
	terminateAttempts = 3
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// SessionCloser tears down terminal sessions attached to a VM.
type SessionCloser interface {
	CloseVM(vmID string) int
}

// Options configures a Manager.
type Options struct {
	QuotaPerUser  int
	DefaultImage  string
	AllowedImages []string
	DefaultMemory int64
	MaxMemory     int64
	CPUShares     int64
	PidsLimit     int64
	StorageRoot   string
	Retry         shared.RetryPolicy

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Caller identifies who is invoking an operation.
type Caller struct {
	UserID string
	Admin  bool
}

// ProvisionRequest describes a new VM.
type ProvisionRequest struct {
	OwnerID     string
	Name        string
	Image       string
	MemoryBytes int64
}

// Manager drives VM records and their runtime instances.
type Manager struct {
	repo     store.Repository
	rt       container.Runtime
	ports    *ports.Allocator
	meter    *billing.Meter
	opts     Options
	locks    *keyedMutex
	sessions SessionCloser
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(repo store.Repository, rt container.Runtime, alloc *ports.Allocator, meter *billing.Meter, opts Options) (*Manager, error) {
	root, err := filepath.Abs(opts.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	opts.StorageRoot = root

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = shared.DefaultRetryPolicy
	}

	return &Manager{
		repo:   repo,
		rt:     rt,
		ports:  alloc,
		meter:  meter,
		opts:   opts,
		locks:  newKeyedMutex(),
		now:    now,
		logger: slog.Default().With("component", "vm_manager"),
	}, nil
}

// SetSessionCloser registers the hook used to drop terminal sessions when a
// VM stops or is terminated.
func (m *Manager) SetSessionCloser(sc SessionCloser) {
	m.sessions = sc
}

func (m *Manager) closeSessions(vmID string) {
	if m.sessions == nil {
		return
	}
	if n := m.sessions.CloseVM(vmID); n > 0 {
		m.logger.Info("Closed terminal sessions", "vm_id", vmID, "count", n)
	}
}

func (m *Manager) validate(req *ProvisionRequest) error {
	if req.OwnerID == "" || req.OwnerID == "." || req.OwnerID == ".." || strings.ContainsAny(req.OwnerID, `/\`) {
		return fmt.Errorf("owner id %q: %w", req.OwnerID, domain.ErrInvalidRequest)
	}
	if req.Name == "" || len(req.Name) > maxNameLength || !namePattern.MatchString(req.Name) {
		return fmt.Errorf("vm name %q: %w", req.Name, domain.ErrInvalidRequest)
	}

	if req.Image == "" {
		req.Image = m.opts.DefaultImage
	}
	if req.Image != m.opts.DefaultImage && !slices.Contains(m.opts.AllowedImages, req.Image) {
		return fmt.Errorf("image %q not allowed: %w", req.Image, domain.ErrInvalidRequest)
	}

	switch {
	case req.MemoryBytes == 0:
		req.MemoryBytes = m.opts.DefaultMemory
	case req.MemoryBytes < 0, req.MemoryBytes > m.opts.MaxMemory:
		return fmt.Errorf("memory limit %d outside (0, %d]: %w", req.MemoryBytes, m.opts.MaxMemory, domain.ErrInvalidRequest)
	}
	return nil
}

// Provision creates and starts a new VM for the owner. No credits are charged.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*domain.VM, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}

	unlockOwner := m.locks.Lock("owner:" + req.OwnerID)
	defer unlockOwner()

	if _, err := m.repo.GetUser(ctx, req.OwnerID); err != nil {
		return nil, fmt.Errorf("get owner %s: %w", req.OwnerID, err)
	}

	count, err := m.repo.CountActiveVMs(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("count active vms: %w", err)
	}
	if count >= m.opts.QuotaPerUser {
		return nil, fmt.Errorf("owner %s has %d of %d vms: %w", req.OwnerID, count, m.opts.QuotaPerUser, domain.ErrQuotaExceeded)
	}

	if err := m.meter.RequireBalance(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	now := m.now()
	vm := &domain.VM{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Image:       req.Image,
		Status:      domain.StatusCreating,
		MemoryLimit: req.MemoryBytes,
		CPUShare:    m.opts.CPUShares,
		CreatedAt:   now,
	}

	unlockVM := m.locks.Lock(vm.ID)
	defer unlockVM()

	if err := m.claimPort(ctx, vm); err != nil {
		return nil, err
	}
	// The record exists from here on; finish without honouring cancellation.
	ctx = context.WithoutCancel(ctx)

	logger := m.logger.With("vm_id", vm.ID, "user_id", vm.OwnerID, "port", vm.Port)
	logger.Info("Provisioning VM", "image", vm.Image, "memory_limit", vm.MemoryLimit)

	if err := m.rt.PullImageIfMissing(ctx, vm.Image); err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("pull image %s: %w", vm.Image, err)
	}

	handle, err := m.rt.Create(ctx, container.CreateSpec{
		Name:        "shsh-vm-" + vm.ID,
		Image:       vm.Image,
		OwnerID:     vm.OwnerID,
		VMID:        vm.ID,
		MemoryBytes: vm.MemoryLimit,
		CPUShares:   vm.CPUShare,
		PidsLimit:   m.opts.PidsLimit,
		HostPort:    vm.Port,
		StorageDir:  filepath.Join(m.opts.StorageRoot, vm.OwnerID),
		Env: map[string]string{
			"SHSH_VM_ID":   vm.ID,
			"SHSH_VM_NAME": vm.Name,
		},
	})
	if err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("create runtime instance: %w", err)
	}
	vm.RuntimeHandle = handle
	if err := m.repo.UpdateVM(ctx, vm, domain.StatusCreating); err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("persist runtime handle: %w", transitionErr(err))
	}

	if err := m.rt.Start(ctx, handle); err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("start runtime instance: %w", err)
	}

	info, err := m.rt.Inspect(ctx, handle)
	if err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("inspect runtime instance: %w", err)
	}

	started := m.now()
	vm.Status = domain.StatusRunning
	vm.IPAddress = info.IPAddress
	vm.LastStartedAt = &started
	if err := m.repo.UpdateVM(ctx, vm, domain.StatusCreating); err != nil {
		m.abortProvision(ctx, vm)
		return nil, fmt.Errorf("persist running vm: %w", transitionErr(err))
	}

	logger.Info("VM provisioned", "container_id", handle, "ip_address", vm.IPAddress)
	return vm, nil
}

// claimPort reserves a port and persists the creating record that claims it.
func (m *Manager) claimPort(ctx context.Context, vm *domain.VM) error {
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		port, err := m.ports.Reserve(ctx)
		if err != nil {
			return err
		}
		vm.Port = port

		err = m.repo.CreateVM(ctx, vm)
		if err == nil {
			return nil
		}
		m.ports.Release(port)
		if !errors.Is(err, store.ErrPortTaken) {
			return fmt.Errorf("persist vm record: %w", err)
		}
		m.logger.Debug("Port claimed concurrently, retrying", "port", port, "attempt", attempt)
	}
	return fmt.Errorf("claim port after %d attempts: %w", claimAttempts, domain.ErrPortsExhausted)
}

// abortProvision undoes a partial provision: the record is not kept and the
// port is released.
func (m *Manager) abortProvision(ctx context.Context, vm *domain.VM) {
	ctx = context.WithoutCancel(ctx)
	logger := m.logger.With("vm_id", vm.ID, "port", vm.Port)

	if vm.RuntimeHandle != "" {
		if err := m.rt.Remove(ctx, vm.RuntimeHandle, true); err != nil && !errors.Is(err, container.ErrInstanceNotFound) {
			logger.Warn("Failed to remove runtime instance after failed provision", "container_id", vm.RuntimeHandle, "error", err)
		}
	}
	if err := m.repo.DeleteVM(ctx, vm.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("Failed to delete record after failed provision", "error", err)
	}
	m.ports.Release(vm.Port)
	logger.Warn("Provision aborted")
}

// Start resumes a stopped VM.
func (m *Manager) Start(ctx context.Context, vmID, ownerID string) (*domain.VM, error) {
	unlock := m.locks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, vmID, Caller{UserID: ownerID})
	if err != nil {
		return nil, err
	}
	if vm.Status != domain.StatusStopped {
		return nil, fmt.Errorf("start vm in status %s: %w", vm.Status, domain.ErrInvalidState)
	}
	if err := m.meter.RequireBalance(ctx, ownerID); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	if err := m.rt.Start(ctx, vm.RuntimeHandle); err != nil {
		return nil, fmt.Errorf("start runtime instance: %w", err)
	}
	info, err := m.rt.Inspect(ctx, vm.RuntimeHandle)
	if err != nil {
		return nil, fmt.Errorf("inspect runtime instance: %w", err)
	}

	updated := vm.Clone()
	started := m.now()
	updated.Status = domain.StatusRunning
	updated.IPAddress = info.IPAddress
	updated.LastStartedAt = &started
	if err := m.repo.UpdateVM(ctx, updated, domain.StatusStopped); err != nil {
		return nil, transitionErr(err)
	}

	m.logger.Info("VM started", "vm_id", vmID, "user_id", ownerID, "ip_address", updated.IPAddress)
	return updated, nil
}

// Stop halts a running VM and bills the interval since it last started.
func (m *Manager) Stop(ctx context.Context, vmID, ownerID string) (*domain.VM, error) {
	unlock := m.locks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, vmID, Caller{UserID: ownerID})
	if err != nil {
		return nil, err
	}
	if vm.Status != domain.StatusRunning {
		return nil, fmt.Errorf("stop vm in status %s: %w", vm.Status, domain.ErrInvalidState)
	}
	return m.stopLocked(ctx, vm)
}

// stopLocked stops the instance and settles the record. It runs to
// completion even if ctx is cancelled.
func (m *Manager) stopLocked(ctx context.Context, vm *domain.VM) (*domain.VM, error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.rt.Stop(ctx, vm.RuntimeHandle); err != nil && !errors.Is(err, container.ErrInstanceNotFound) {
		return nil, fmt.Errorf("stop runtime instance: %w", err)
	}

	updated, err := m.settle(ctx, vm, m.now(), domain.StatusStopped)
	if err != nil {
		return nil, err
	}
	m.closeSessions(vm.ID)

	m.logger.Info("VM stopped",
		"vm_id", vm.ID,
		"user_id", vm.OwnerID,
		"total_runtime_seconds", updated.TotalRuntimeSeconds,
		"credits_consumed", updated.CreditsConsumed,
	)
	return updated, nil
}

// settle closes the running interval of vm at stoppedAt: it charges the owner
// and moves the record from running to next in one transaction.
func (m *Manager) settle(ctx context.Context, vm *domain.VM, stoppedAt time.Time, next domain.VMStatus) (*domain.VM, error) {
	if vm.LastStartedAt != nil && stoppedAt.Before(*vm.LastStartedAt) {
		stoppedAt = *vm.LastStartedAt
	}
	elapsed := vm.RunningFor(stoppedAt)

	updated := vm.Clone()
	err := shared.Retry(ctx, m.opts.Retry, "settle vm", func() error {
		return m.repo.WithTx(ctx, func(q store.Queries) error {
			credits, err := m.meter.Bind(q).Charge(ctx, vm.OwnerID, elapsed)
			if err != nil {
				return err
			}
			updated.TotalRuntimeSeconds = vm.TotalRuntimeSeconds + int64(elapsed/time.Second)
			updated.CreditsConsumed = vm.CreditsConsumed + credits
			updated.Status = next
			updated.IPAddress = ""
			updated.LastStoppedAt = &stoppedAt
			return q.UpdateVM(ctx, updated, domain.StatusRunning)
		})
	})
	if err != nil {
		return nil, transitionErr(err)
	}
	return updated, nil
}

// Terminate permanently destroys a VM. Runtime cleanup is best effort; the
// record always reaches terminated. Terminating a terminated VM is a no-op.
func (m *Manager) Terminate(ctx context.Context, vmID string, caller Caller) (*domain.VM, error) {
	unlock := m.locks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, vmID, caller)
	if err != nil {
		return nil, err
	}
	if vm.IsTerminated() {
		return vm, nil
	}

	ctx = context.WithoutCancel(ctx)
	m.teardownRuntime(ctx, vm)
	return m.markTerminated(ctx, vm)
}

// teardownRuntime stops and removes the runtime instance, logging failures.
// A record without a handle is matched to its instance by label.
func (m *Manager) teardownRuntime(ctx context.Context, vm *domain.VM) {
	handle := vm.RuntimeHandle
	if handle == "" {
		if handle = m.findInstance(ctx, vm.ID); handle == "" {
			return
		}
	}
	logger := m.logger.With("vm_id", vm.ID, "container_id", handle)

	info, err := m.rt.Inspect(ctx, handle)
	switch {
	case errors.Is(err, container.ErrInstanceNotFound):
		logger.Info("Runtime instance already gone")
		return
	case err != nil:
		logger.Warn("Failed to inspect runtime instance before removal", "error", err)
	case info.Running:
		if err := m.rt.Stop(ctx, handle); err != nil {
			logger.Warn("Failed to stop runtime instance", "error", err)
		}
	}

	if err := m.rt.Remove(ctx, handle, true); err != nil && !errors.Is(err, container.ErrInstanceNotFound) {
		logger.Warn("Failed to remove runtime instance", "error", err)
	}
}

// findInstance returns the handle of the instance labelled with vmID, or "".
func (m *Manager) findInstance(ctx context.Context, vmID string) string {
	instances, err := m.rt.ListAll(ctx)
	if err != nil {
		m.logger.Warn("Failed to list runtime instances", "vm_id", vmID, "error", err)
		return ""
	}
	for _, inst := range instances {
		if inst.VMID == vmID {
			return inst.Handle
		}
	}
	return ""
}

// markTerminated moves the record to terminated, settling an open running
// interval, and frees the port and sessions.
func (m *Manager) markTerminated(ctx context.Context, vm *domain.VM) (*domain.VM, error) {
	m.closeSessions(vm.ID)

	var (
		updated *domain.VM
		err     error
	)
	for attempt := 1; attempt <= terminateAttempts; attempt++ {
		if vm.Status == domain.StatusRunning {
			updated, err = m.settle(ctx, vm, m.now(), domain.StatusTerminated)
		} else {
			updated, err = m.setStatus(ctx, vm, domain.StatusTerminated)
		}
		if err == nil || !errors.Is(err, domain.ErrInvalidState) {
			break
		}

		fresh, getErr := m.repo.GetVM(ctx, vm.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload vm %s: %w", vm.ID, getErr)
		}
		if fresh.IsTerminated() {
			updated, err = fresh, nil
			break
		}
		vm = fresh
	}
	if err != nil {
		return nil, fmt.Errorf("terminate vm %s: %w", vm.ID, err)
	}

	m.ports.Release(updated.Port)
	m.logger.Info("VM terminated", "vm_id", updated.ID, "user_id", updated.OwnerID, "port", updated.Port)
	return updated, nil
}

// setStatus applies a status change that involves no billing.
func (m *Manager) setStatus(ctx context.Context, vm *domain.VM, next domain.VMStatus) (*domain.VM, error) {
	updated := vm.Clone()
	updated.Status = next
	if next != domain.StatusRunning {
		updated.IPAddress = ""
	}
	err := shared.Retry(ctx, m.opts.Retry, "update vm status", func() error {
		return m.repo.UpdateVM(ctx, updated, vm.Status)
	})
	if err != nil {
		return nil, transitionErr(err)
	}
	return updated, nil
}

// Status returns the VM after reconciling its record with the runtime.
func (m *Manager) Status(ctx context.Context, vmID string, caller Caller) (*domain.VM, error) {
	unlock := m.locks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, vmID, caller)
	if err != nil {
		return nil, err
	}
	return m.reconcileLocked(ctx, vm)
}

// reconcileLocked aligns the record's running/stopped status with the
// observed runtime state. Terminated records are left alone, and a creating
// record is only moved to error once its instance is gone.
func (m *Manager) reconcileLocked(ctx context.Context, vm *domain.VM) (*domain.VM, error) {
	if vm.IsTerminated() {
		return vm, nil
	}
	logger := m.logger.With("vm_id", vm.ID, "container_id", vm.RuntimeHandle)

	if vm.Status == domain.StatusCreating {
		// Provisioning holds the VM lock, so a creating record seen here was
		// left behind by an interrupted provision.
		if m.creatingInstanceExists(ctx, vm) {
			return vm, nil
		}
		logger.Warn("Creating VM has no runtime instance, marking as error")
		return m.setStatus(ctx, vm, domain.StatusError)
	}

	var info *container.InstanceInfo
	var err error
	if vm.RuntimeHandle == "" {
		err = container.ErrInstanceNotFound
	} else {
		info, err = m.rt.Inspect(ctx, vm.RuntimeHandle)
	}
	if err != nil {
		if vm.Status == domain.StatusError {
			return vm, nil
		}
		logger.Warn("Runtime instance unreachable, marking VM as error", "status", vm.Status, "error", err)
		if vm.Status == domain.StatusRunning {
			return m.settle(ctx, vm, m.now(), domain.StatusError)
		}
		return m.setStatus(ctx, vm, domain.StatusError)
	}

	switch {
	case info.Running && vm.Status == domain.StatusRunning:
		if info.IPAddress == vm.IPAddress {
			return vm, nil
		}
		updated := vm.Clone()
		updated.IPAddress = info.IPAddress
		if err := m.repo.UpdateVM(ctx, updated, domain.StatusRunning); err != nil {
			return nil, transitionErr(err)
		}
		return updated, nil

	case info.Running:
		// Started outside the service, or recovered from error.
		started := m.now()
		if vm.Status == domain.StatusStopped && !info.StartedAt.IsZero() &&
			(vm.LastStoppedAt == nil || info.StartedAt.After(*vm.LastStoppedAt)) {
			started = info.StartedAt
		}
		updated := vm.Clone()
		updated.Status = domain.StatusRunning
		updated.IPAddress = info.IPAddress
		updated.LastStartedAt = &started
		if err := m.repo.UpdateVM(ctx, updated, vm.Status); err != nil {
			return nil, transitionErr(err)
		}
		logger.Info("Reconciled VM to running", "previous_status", vm.Status)
		return updated, nil

	case vm.Status == domain.StatusRunning:
		// The instance exited on its own; bill up to when it stopped.
		stoppedAt := info.FinishedAt
		if stoppedAt.IsZero() {
			stoppedAt = m.now()
		}
		updated, err := m.settle(ctx, vm, stoppedAt, domain.StatusStopped)
		if err != nil {
			return nil, err
		}
		m.closeSessions(vm.ID)
		logger.Info("Reconciled crashed VM to stopped", "credits_consumed", updated.CreditsConsumed)
		return updated, nil

	case vm.Status == domain.StatusError:
		logger.Info("Reconciled VM from error to stopped")
		return m.setStatus(ctx, vm, domain.StatusStopped)
	}
	return vm, nil
}

// creatingInstanceExists reports whether a creating record still has a
// runtime instance. Inspect failures other than not-found count as present.
func (m *Manager) creatingInstanceExists(ctx context.Context, vm *domain.VM) bool {
	handle := vm.RuntimeHandle
	if handle == "" {
		handle = m.findInstance(ctx, vm.ID)
	}
	if handle == "" {
		return false
	}
	_, err := m.rt.Inspect(ctx, handle)
	return !errors.Is(err, container.ErrInstanceNotFound)
}

// AdminForceStop stops a runtime instance by handle, bypassing ownership.
// The matching record, if any, is settled exactly as Stop would.
func (m *Manager) AdminForceStop(ctx context.Context, handle string) (*domain.VM, error) {
	vm, unlock, err := m.lockByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	if err := m.rt.Stop(ctx, handle); err != nil {
		return nil, fmt.Errorf("force stop %s: %w", handle, err)
	}
	m.logger.Info("Admin force-stopped runtime instance", "container_id", handle)

	if vm == nil || vm.Status != domain.StatusRunning {
		return vm, nil
	}
	updated, err := m.settle(ctx, vm, m.now(), domain.StatusStopped)
	if err != nil {
		return nil, err
	}
	m.closeSessions(vm.ID)
	return updated, nil
}

// AdminForceRemove removes a runtime instance by handle, bypassing ownership.
// The matching record, if any, is terminated exactly as Terminate would.
func (m *Manager) AdminForceRemove(ctx context.Context, handle string) (*domain.VM, error) {
	vm, unlock, err := m.lockByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	err = m.rt.Remove(ctx, handle, true)
	switch {
	case err == nil:
		m.logger.Info("Admin force-removed runtime instance", "container_id", handle)
	case errors.Is(err, container.ErrInstanceNotFound) && vm != nil:
		m.logger.Info("Runtime instance already gone, terminating record", "container_id", handle, "vm_id", vm.ID)
	default:
		return nil, fmt.Errorf("force remove %s: %w", handle, err)
	}

	if vm == nil || vm.IsTerminated() {
		return vm, nil
	}
	return m.markTerminated(ctx, vm)
}

// lockByHandle resolves the record for a runtime handle and locks it. A nil
// VM with a no-op unlock is returned when no record matches.
func (m *Manager) lockByHandle(ctx context.Context, handle string) (*domain.VM, func(), error) {
	vm, err := m.repo.GetVMByHandle(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get vm by handle %s: %w", handle, err)
	}

	unlock := m.locks.Lock(vm.ID)
	fresh, err := m.repo.GetVM(ctx, vm.ID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("reload vm %s: %w", vm.ID, err)
	}
	return fresh, unlock, nil
}

// Get returns a VM record without touching the runtime.
func (m *Manager) Get(ctx context.Context, vmID string, caller Caller) (*domain.VM, error) {
	return m.load(ctx, vmID, caller)
}

// Lookup returns a VM owned by ownerID.
func (m *Manager) Lookup(ctx context.Context, vmID, ownerID string) (*domain.VM, error) {
	return m.load(ctx, vmID, Caller{UserID: ownerID})
}

// List returns every VM owned by ownerID.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*domain.VM, error) {
	vms, err := m.repo.ListVMsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list vms for %s: %w", ownerID, err)
	}
	return vms, nil
}

// Runtime exposes the runtime adapter for admin inspection endpoints.
func (m *Manager) Runtime() container.Runtime {
	return m.rt
}

// load fetches a VM visible to caller. VMs owned by someone else are
// reported as not found unless the caller is an admin.
func (m *Manager) load(ctx context.Context, vmID string, caller Caller) (*domain.VM, error) {
	vm, err := m.repo.GetVM(ctx, vmID)
	if err != nil {
		return nil, fmt.Errorf("get vm %s: %w", vmID, err)
	}
	if !caller.Admin && !vm.OwnedBy(caller.UserID) {
		return nil, fmt.Errorf("get vm %s: %w", vmID, domain.ErrNotFound)
	}
	return vm, nil
}

// transitionErr maps a lost status precondition to ErrInvalidState.
func transitionErr(err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
	}
	return err
}
