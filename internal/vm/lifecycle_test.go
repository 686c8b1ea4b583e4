package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-vms/internal/billing"
	"github.com/ashureev/shsh-vms/internal/container"
	"github.com/ashureev/shsh-vms/internal/container/containertest"
	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/ports"
)

// hookRuntime runs a callback after selected runtime calls complete.
type hookRuntime struct {
	*containertest.Runtime
	onStart  func(handle string)
	onStop   func()
	onRemove func()
}

func (h *hookRuntime) Start(ctx context.Context, handle string) error {
	err := h.Runtime.Start(ctx, handle)
	if h.onStart != nil {
		h.onStart(handle)
	}
	return err
}

func (h *hookRuntime) Stop(ctx context.Context, handle string) error {
	err := h.Runtime.Stop(ctx, handle)
	if h.onStop != nil {
		h.onStop()
	}
	return err
}

func (h *hookRuntime) Remove(ctx context.Context, handle string, force bool) error {
	err := h.Runtime.Remove(ctx, handle, force)
	if h.onRemove != nil {
		h.onRemove()
	}
	return err
}

// withRuntime builds a second manager over the same store and fake clock.
func (e *testEnv) withRuntime(t *testing.T, rt container.Runtime) *Manager {
	t.Helper()
	mgr, err := NewManager(e.repo, rt,
		ports.NewAllocator(testPortStart, testPortEnd, e.repo),
		billing.NewMeter(testRate, e.repo),
		Options{
			QuotaPerUser:  2,
			DefaultImage:  "shsh-vm:latest",
			DefaultMemory: 512 << 20,
			MaxMemory:     2 << 30,
			StorageRoot:   t.TempDir(),
			Clock:         e.clock.Now,
		})
	require.NoError(t, err)
	return mgr
}

func TestTerminateCompletesAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	vm := env.provision(t, "alice", "box-a")
	env.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := env.withRuntime(t, &hookRuntime{Runtime: env.rt, onRemove: cancel})

	got, err := mgr.Terminate(ctx, vm.ID, Caller{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, got.Status)

	stored, err := env.repo.GetVM(context.Background(), vm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, stored.Status)
	assert.Equal(t, int64(10), stored.CreditsConsumed)
	assert.Equal(t, int64(90), env.balance(t, "alice"))
	assert.False(t, env.rt.Exists(vm.RuntimeHandle))
}

func TestStopCompletesAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	vm := env.provision(t, "alice", "box-a")
	env.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := env.withRuntime(t, &hookRuntime{Runtime: env.rt, onStop: cancel})

	got, err := mgr.Stop(ctx, vm.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)

	stored, err := env.repo.GetVM(context.Background(), vm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stored.Status)
	assert.Equal(t, int64(90), env.balance(t, "alice"))
}

func TestProvisionPersistsHandleBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	var stored, started string
	rt := &hookRuntime{Runtime: env.rt, onStart: func(handle string) {
		started = handle
		active, err := env.repo.ListActiveVMs(context.Background())
		if err == nil && len(active) == 1 {
			stored = active[0].RuntimeHandle
		}
	}}
	mgr := env.withRuntime(t, rt)

	vm, err := mgr.Provision(context.Background(), ProvisionRequest{OwnerID: "alice", Name: "box-a"})
	require.NoError(t, err)
	assert.Equal(t, vm.RuntimeHandle, started)
	assert.Equal(t, started, stored, "handle is stored while the record is still creating")
}

func TestStatusMarksOrphanedCreatingAsError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "alice", 100)

	rec := &domain.VM{
		ID: "orphan", OwnerID: "alice", Name: "orphan", Image: "shsh-vm:latest",
		Status: domain.StatusCreating, Port: testPortStart, CreatedAt: env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateVM(ctx, rec))

	got, err := env.mgr.Status(ctx, "orphan", Caller{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)

	// Terminate still works from error and frees the port.
	_, err = env.mgr.Terminate(ctx, "orphan", Caller{UserID: "alice"})
	require.NoError(t, err)
	vm := env.provision(t, "alice", "fresh")
	assert.Equal(t, testPortStart, vm.Port)
}

func TestStatusKeepsCreatingWhileInstanceExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "alice", 100)

	handle, err := env.rt.Create(ctx, container.CreateSpec{Name: "shsh-vm-pending", VMID: "pending"})
	require.NoError(t, err)
	rec := &domain.VM{
		ID: "pending", OwnerID: "alice", Name: "pending", Image: "shsh-vm:latest",
		Status: domain.StatusCreating, Port: testPortStart, CreatedAt: env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateVM(ctx, rec))

	got, err := env.mgr.Status(ctx, "pending", Caller{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreating, got.Status)
	assert.True(t, env.rt.Exists(handle))
}

func TestConcurrentStopChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	vm := env.provision(t, "alice", "box-a")
	env.clock.Advance(time.Hour)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.mgr.Stop(context.Background(), vm.ID, "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(90), env.balance(t, "alice"))

	stored, err := env.repo.GetVM(context.Background(), vm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.CreditsConsumed)
}

func TestConcurrentStopAndTerminateChargeOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	vm := env.provision(t, "alice", "box-a")
	env.clock.Advance(time.Hour)

	var stopErr, termErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, stopErr = env.mgr.Stop(context.Background(), vm.ID, "alice")
	}()
	go func() {
		defer wg.Done()
		_, termErr = env.mgr.Terminate(context.Background(), vm.ID, Caller{UserID: "alice"})
	}()
	wg.Wait()

	require.NoError(t, termErr)
	if stopErr != nil {
		assert.True(t, errors.Is(stopErr, domain.ErrInvalidState), "stop after terminate: %v", stopErr)
	}

	stored, err := env.repo.GetVM(context.Background(), vm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, stored.Status)
	assert.Equal(t, int64(10), stored.CreditsConsumed)
	assert.Equal(t, int64(90), env.balance(t, "alice"))
}

func TestAdminForceRemoveVanishedInstance(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 100)

	vm := env.provision(t, "alice", "box-a")
	env.rt.Vanish(vm.RuntimeHandle)

	got, err := env.mgr.AdminForceRemove(context.Background(), vm.RuntimeHandle)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusTerminated, got.Status)

	next := env.provision(t, "alice", "box-b")
	assert.Equal(t, testPortStart, next.Port)
}

func TestAdminForceRemoveUnknownHandleFails(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.AdminForceRemove(context.Background(), "no-such-handle")
	assert.ErrorIs(t, err, container.ErrInstanceNotFound)
}
