package ports

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-vms/internal/domain"
)

type fakeLister struct {
	mu    sync.Mutex
	ports []int
	err   error
}

func (f *fakeLister) ListActivePorts(context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...), f.err
}

func TestReserveLowestFirst(t *testing.T) {
	lister := &fakeLister{ports: []int{100, 102}}
	a := NewAllocator(100, 104, lister)
	ctx := context.Background()

	p, err := a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 101, p)

	p, err = a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 103, p)
}

func TestReserveExhausted(t *testing.T) {
	a := NewAllocator(100, 101, &fakeLister{ports: []int{100}})
	ctx := context.Background()

	_, err := a.Reserve(ctx)
	require.NoError(t, err)

	_, err = a.Reserve(ctx)
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a := NewAllocator(100, 100, &fakeLister{})
	ctx := context.Background()

	p, err := a.Reserve(ctx)
	require.NoError(t, err)
	_, err = a.Reserve(ctx)
	require.ErrorIs(t, err, domain.ErrPortsExhausted)

	a.Release(p)
	again, err := a.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestReserveListerError(t *testing.T) {
	a := NewAllocator(100, 110, &fakeLister{err: errors.New("db down")})
	_, err := a.Reserve(context.Background())
	assert.Error(t, err)
	assert.Zero(t, a.Held())
}

func TestConcurrentReserveUnique(t *testing.T) {
	const n = 50
	a := NewAllocator(1000, 1000+n-1, &fakeLister{})

	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Reserve(context.Background())
			if err == nil {
				results <- p
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for p := range results {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}
