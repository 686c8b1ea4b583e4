package terminal

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopStream struct {
	mu     sync.Mutex
	closed int
}

func (s *nopStream) Read([]byte) (int, error)                 { select {} }
func (s *nopStream) Write(p []byte) (int, error)              { return len(p), nil }
func (s *nopStream) Resize(context.Context, uint, uint) error { return nil }
func (s *nopStream) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *nopStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestSessionManager_RegisterUnregister(t *testing.T) {
	sm := NewSessionManager(0)
	stream := &nopStream{}

	sess := sm.Register(context.Background(), "user-1", "vm-1", stream, nil)
	got, ok := sm.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "vm-1", got.VMID)
	assert.Equal(t, 1, sm.Count())

	sm.Unregister(sess.ID)
	sm.Unregister(sess.ID)
	assert.Zero(t, sm.Count())
	assert.Equal(t, 1, stream.closeCount(), "stream released exactly once")
	assert.Error(t, sess.Context().Err())
}

func TestSessionManager_CloseVM(t *testing.T) {
	sm := NewSessionManager(0)
	a := &nopStream{}
	b := &nopStream{}
	other := &nopStream{}

	sm.Register(context.Background(), "user-1", "vm-1", a, nil)
	sm.Register(context.Background(), "user-2", "vm-1", b, nil)
	sm.Register(context.Background(), "user-1", "vm-2", other, nil)

	assert.Equal(t, 2, sm.CloseVM("vm-1"))
	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
	assert.Zero(t, other.closeCount())

	assert.Zero(t, sm.CloseVM("vm-1"))
}

func TestSessionManager_CloseOwner(t *testing.T) {
	sm := NewSessionManager(0)
	sm.Register(context.Background(), "user-1", "vm-1", &nopStream{}, nil)
	sm.Register(context.Background(), "user-1", "vm-2", &nopStream{}, nil)
	sm.Register(context.Background(), "user-2", "vm-3", &nopStream{}, nil)

	assert.Equal(t, 2, sm.CloseOwner("user-1"))
	assert.Equal(t, 1, sm.Count())
}

func TestSessionManager_CloseAll(t *testing.T) {
	sm := NewSessionManager(0)
	a := &nopStream{}
	sm.Register(context.Background(), "user-1", "vm-1", a, nil)
	sm.Register(context.Background(), "user-2", "vm-2", &nopStream{}, nil)

	assert.Equal(t, 2, sm.CloseAll())
	assert.Zero(t, sm.Count())
	assert.Equal(t, 1, a.closeCount())
}

func TestSessionManager_SweepPurgesDeadConnections(t *testing.T) {
	sm := NewSessionManager(0)
	parent, cancel := context.WithCancel(context.Background())
	leaked := &nopStream{}

	sm.Register(parent, "user-1", "vm-1", leaked, nil)
	sm.Register(context.Background(), "user-1", "vm-2", &nopStream{}, nil)

	assert.Zero(t, sm.Sweep(time.Now()))

	cancel()
	assert.Equal(t, 1, sm.Sweep(time.Now()))
	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, 1, leaked.closeCount())
}

func TestSessionManager_SweepIdle(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	sess := sm.Register(context.Background(), "user-1", "vm-1", &nopStream{}, nil)

	assert.Zero(t, sm.Sweep(time.Now().Add(30*time.Second)))

	sess.Touch()
	assert.Equal(t, 1, sm.Sweep(time.Now().Add(2*time.Minute)))
	assert.Zero(t, sm.Count())
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	sm := NewSessionManager(0)
	var wg sync.WaitGroup

	ids := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sm.Register(context.Background(), "user", "vm-"+strconv.Itoa(i%5), &nopStream{}, nil)
			ids <- s.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sm.Unregister(id)
			sm.CloseVM("vm-0")
		}(id)
	}
	wg.Wait()
	assert.Zero(t, sm.Count())
}

func TestCompleteUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes

	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("hello"), 5},
		{"full multibyte", append([]byte("a"), euro...), 4},
		{"split after first byte", append([]byte("a"), euro[:1]...), 1},
		{"split after second byte", append([]byte("a"), euro[:2]...), 1},
		{"lone continuation", []byte{'a', 0x80}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeUTF8(tt.in))
		})
	}
}
