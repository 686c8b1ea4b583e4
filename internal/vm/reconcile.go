package vm

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-vms/internal/domain"
)

// ReconcileOptions configures the background reconciler.
type ReconcileOptions struct {
	Interval        time.Duration
	CreatingTimeout time.Duration
	// AutoStopExhausted stops running VMs whose accrued charge already
	// covers the owner's remaining balance.
	AutoStopExhausted bool
}

// ReconcileStats summarises one reconciliation pass.
type ReconcileStats struct {
	Checked     int
	Changed     int
	StaleClosed int
	AutoStopped int
	Failed      int
}

// StartReconciler runs a background goroutine that periodically reconciles
// every non-terminated VM against the runtime.
func (m *Manager) StartReconciler(ctx context.Context, opts ReconcileOptions) {
	ticker := time.NewTicker(opts.Interval)
	logger := m.logger.With("worker", "reconciler")
	go func() {
		defer ticker.Stop()
		logger.Info("Reconciler started",
			"interval", opts.Interval,
			"creating_timeout", opts.CreatingTimeout,
			"auto_stop_exhausted", opts.AutoStopExhausted,
		)

		for {
			select {
			case <-ticker.C:
				m.ReconcileAll(ctx, opts)
			case <-ctx.Done():
				logger.Info("Reconciler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReconcileAll runs one reconciliation pass over every non-terminated VM.
func (m *Manager) ReconcileAll(ctx context.Context, opts ReconcileOptions) ReconcileStats {
	var stats ReconcileStats

	vms, err := m.repo.ListActiveVMs(ctx)
	if err != nil {
		m.logger.Error("Reconciler failed to list active VMs", "error", err)
		return stats
	}

	for _, v := range vms {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		m.reconcileOne(ctx, v.ID, opts, &stats)
	}

	if stats.Changed+stats.StaleClosed+stats.AutoStopped+stats.Failed > 0 {
		m.logger.Info("Reconciliation pass completed",
			"checked", stats.Checked,
			"changed", stats.Changed,
			"stale_closed", stats.StaleClosed,
			"auto_stopped", stats.AutoStopped,
			"failed", stats.Failed,
		)
	}
	return stats
}

func (m *Manager) reconcileOne(ctx context.Context, vmID string, opts ReconcileOptions, stats *ReconcileStats) {
	unlock := m.locks.Lock(vmID)
	defer unlock()

	logger := m.logger.With("vm_id", vmID)

	vm, err := m.repo.GetVM(ctx, vmID)
	if err != nil {
		logger.Error("Reconciler failed to reload VM", "error", err)
		stats.Failed++
		return
	}
	if vm.IsTerminated() {
		return
	}

	if vm.Status == domain.StatusCreating {
		if opts.CreatingTimeout <= 0 || m.now().Sub(vm.CreatedAt) < opts.CreatingTimeout {
			return
		}
		logger.Warn("Terminating VM stuck in creating", "created_at", vm.CreatedAt)
		m.teardownRuntime(ctx, vm)
		if _, err := m.markTerminated(ctx, vm); err != nil {
			logger.Error("Reconciler failed to terminate stale VM", "error", err)
			stats.Failed++
			return
		}
		stats.StaleClosed++
		return
	}

	updated, err := m.reconcileLocked(ctx, vm)
	if err != nil {
		logger.Error("Reconciler failed to reconcile VM", "error", err)
		stats.Failed++
		return
	}
	if updated.Status != vm.Status || updated.IPAddress != vm.IPAddress {
		stats.Changed++
	}

	if !opts.AutoStopExhausted || updated.Status != domain.StatusRunning {
		return
	}
	balance, err := m.repo.GetCredits(ctx, updated.OwnerID)
	if err != nil {
		logger.Error("Reconciler failed to read owner credits", "user_id", updated.OwnerID, "error", err)
		stats.Failed++
		return
	}
	accrued := m.meter.CreditsFor(updated.RunningFor(m.now()))
	if accrued < balance {
		return
	}

	logger.Info("Auto-stopping VM with exhausted credits",
		slog.String("user_id", updated.OwnerID),
		slog.Int64("balance", balance),
		slog.Int64("accrued", accrued),
	)
	if _, err := m.stopLocked(ctx, updated); err != nil {
		logger.Error("Reconciler failed to auto-stop VM", "error", err)
		stats.Failed++
		return
	}
	stats.AutoStopped++
}
