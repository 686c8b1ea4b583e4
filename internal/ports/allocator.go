// Package ports hands out host ports for sandbox access.
package ports

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/shsh-vms/internal/domain"
)

// Lister reports the ports currently claimed by non-terminated VM records.
type Lister interface {
	ListActivePorts(ctx context.Context) ([]int, error)
}

// Allocator reserves ports lowest-first from a fixed range. Persistent
// records are the source of truth; the in-process hold set only covers the
// window between Reserve and the claiming record being written.
type Allocator struct {
	start, end int
	lister     Lister

	mu   sync.Mutex
	held map[int]struct{}
}

// NewAllocator creates an allocator over the inclusive range [start, end].
func NewAllocator(start, end int, lister Lister) *Allocator {
	return &Allocator{
		start:  start,
		end:    end,
		lister: lister,
		held:   make(map[int]struct{}),
	}
}

// Reserve returns the lowest port not claimed in storage or held in-process.
func (a *Allocator) Reserve(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active, err := a.lister.ListActivePorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active ports: %w", err)
	}
	taken := make(map[int]struct{}, len(active))
	for _, p := range active {
		taken[p] = struct{}{}
	}

	for p := a.start; p <= a.end; p++ {
		if _, ok := taken[p]; ok {
			continue
		}
		if _, ok := a.held[p]; ok {
			continue
		}
		a.held[p] = struct{}{}
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d: %w", a.start, a.end, domain.ErrPortsExhausted)
}

// Release drops the in-process hold on port. Once the claiming record is
// persisted or terminated the port's availability is decided by storage.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.held, port)
	a.mu.Unlock()
}

// Held returns the number of ports currently held in-process.
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
