// Package billing meters VM running time against user credit balances.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/shsh-vms/internal/domain"
)

const msPerHour = int64(time.Hour / time.Millisecond)

// CreditStore is the slice of persistence the meter mutates.
type CreditStore interface {
	GetCredits(ctx context.Context, userID string) (int64, error)
	DebitCredits(ctx context.Context, userID string, amount int64) (int64, error)
}

// Meter computes and applies time-based charges.
type Meter struct {
	hourlyRate int64
	credits    CreditStore
}

// NewMeter creates a meter charging hourlyRate credits per started hour.
func NewMeter(hourlyRate int64, credits CreditStore) *Meter {
	return &Meter{hourlyRate: hourlyRate, credits: credits}
}

// Bind returns a meter that applies charges through tx instead, so a charge
// can commit together with the VM record update.
func (m *Meter) Bind(tx CreditStore) *Meter {
	return &Meter{hourlyRate: m.hourlyRate, credits: tx}
}

// HourlyRate returns the configured rate.
func (m *Meter) HourlyRate() int64 {
	return m.hourlyRate
}

// MinimumBalance is the balance required to provision or start a VM.
func (m *Meter) MinimumBalance() int64 {
	return m.hourlyRate
}

// CreditsFor returns ceil(elapsed hours × hourly rate). Sub-millisecond
// remainders are dropped before rounding up.
func (m *Meter) CreditsFor(elapsed time.Duration) int64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 || m.hourlyRate <= 0 {
		return 0
	}
	return (ms*m.hourlyRate + msPerHour - 1) / msPerHour
}

// Charge debits the owner for elapsed running time, flooring the balance at
// zero, and returns the credits charged. The returned amount is the computed
// charge even when the balance could not cover all of it.
func (m *Meter) Charge(ctx context.Context, ownerID string, elapsed time.Duration) (int64, error) {
	credits := m.CreditsFor(elapsed)
	if credits == 0 {
		return 0, nil
	}
	if _, err := m.credits.DebitCredits(ctx, ownerID, credits); err != nil {
		return 0, fmt.Errorf("debit %d credits from %s: %w", credits, ownerID, err)
	}
	return credits, nil
}

// HasSufficientBalance reports whether the owner holds at least minimumUnits credits.
func (m *Meter) HasSufficientBalance(ctx context.Context, ownerID string, minimumUnits int64) (bool, error) {
	balance, err := m.credits.GetCredits(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("get credits for %s: %w", ownerID, err)
	}
	return balance >= minimumUnits, nil
}

// RequireBalance fails with domain.ErrInsufficientCredits unless the owner
// can afford the minimum balance.
func (m *Meter) RequireBalance(ctx context.Context, ownerID string) error {
	ok, err := m.HasSufficientBalance(ctx, ownerID, m.MinimumBalance())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("owner %s below %d credits: %w", ownerID, m.MinimumBalance(), domain.ErrInsufficientCredits)
	}
	return nil
}
