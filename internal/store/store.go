// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-vms/internal/domain"
)

var (
	// ErrNotFound is returned when a user or VM record does not exist.
	ErrNotFound = domain.ErrNotFound

	// ErrStatusConflict is returned by UpdateVM when the persisted status no
	// longer matches the expected precondition.
	ErrStatusConflict = errors.New("vm status precondition failed")

	// ErrPortTaken is returned by CreateVM when another live VM already holds
	// the requested port.
	ErrPortTaken = errors.New("port already held by a live vm")

	// ErrDuplicate is returned when a unique username or token already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// Queries are the persistence operations available both on the repository
// and inside a transaction.
type Queries interface {
	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByTokenHash retrieves the user owning an API token hash.
	GetUserByTokenHash(ctx context.Context, tokenHash string) (*domain.User, error)

	// CreateUser inserts a user together with its API token hash.
	CreateUser(ctx context.Context, user *domain.User, tokenHash string) error

	// ListUsers returns all users ordered by creation time.
	ListUsers(ctx context.Context) ([]*domain.User, error)

	// GetCredits returns the user's current credit balance.
	GetCredits(ctx context.Context, userID string) (int64, error)

	// DebitCredits subtracts amount from the balance, flooring at zero, and
	// returns the new balance.
	DebitCredits(ctx context.Context, userID string, amount int64) (int64, error)

	// AdjustCredits adds delta (which may be negative) to the balance,
	// flooring at zero, and returns the new balance.
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)

	// CreateVM inserts a new VM record. The record's port must not be held
	// by another non-terminated VM.
	CreateVM(ctx context.Context, vm *domain.VM) error

	// GetVM retrieves a VM by ID.
	GetVM(ctx context.Context, id string) (*domain.VM, error)

	// GetVMByHandle retrieves the VM backed by a runtime handle.
	GetVMByHandle(ctx context.Context, handle string) (*domain.VM, error)

	// ListVMsByOwner returns every VM owned by a user, newest first.
	ListVMsByOwner(ctx context.Context, ownerID string) ([]*domain.VM, error)

	// ListActiveVMs returns all non-terminated VMs.
	ListActiveVMs(ctx context.Context) ([]*domain.VM, error)

	// CountActiveVMs counts a user's non-terminated VMs.
	CountActiveVMs(ctx context.Context, ownerID string) (int, error)

	// ListActivePorts returns the ports held by non-terminated VMs.
	ListActivePorts(ctx context.Context) ([]int, error)

	// UpdateVM writes all mutable fields of vm, but only if the persisted
	// status still equals expected (optimistic locking).
	UpdateVM(ctx context.Context, vm *domain.VM, expected domain.VMStatus) error

	// DeleteVM removes a VM record that never left provisioning.
	DeleteVM(ctx context.Context, id string) error
}

// Repository defines the interface for persisting users and VM records.
type Repository interface {
	Queries

	// WithTx runs fn inside a single database transaction. The transaction
	// commits if fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
