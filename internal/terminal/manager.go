// Package terminal bridges WebSocket connections to interactive exec streams
// inside running VMs.
package terminal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/shsh-vms/internal/container"
)

// Session is one live attachment between a client connection and a VM.
type Session struct {
	ID        string
	OwnerID   string
	VMID      string
	CreatedAt time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	stream       container.Stream
	conn         *websocket.Conn
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Touch records client activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the client was last active.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// close releases the stream and the connection. Safe to call repeatedly.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.stream.Close(); err != nil {
			slog.Debug("Failed to close exec stream", "error", err, "session_id", s.ID)
		}
		if s.conn != nil {
			// Close waits for the peer's close frame; don't hold callers on it.
			go func() {
				_ = s.conn.Close(code, reason)
			}()
		}
	})
}

// SessionManager tracks active terminal sessions.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewSessionManager creates a session manager. A zero idleTimeout disables
// idle expiry.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		logger:      slog.Default().With("component", "terminal_sessions"),
	}
}

// Register creates and tracks a session. The session context derives from parent.
func (m *SessionManager) Register(parent context.Context, ownerID, vmID string, stream container.Stream, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		VMID:      vmID,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		stream:    stream,
		conn:      conn,
	}
	s.Touch()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("Terminal session registered", "session_id", s.ID, "user_id", ownerID, "vm_id", vmID)
	return s
}

// Unregister removes a session and releases its stream. The connection is
// left to the caller.
func (m *SessionManager) Unregister(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.stream.Close(); err != nil {
			slog.Debug("Failed to close exec stream", "error", err, "session_id", s.ID)
		}
	})
	m.logger.Info("Terminal session unregistered", "session_id", id, "user_id", s.OwnerID, "vm_id", s.VMID)
}

// Get returns a session by ID.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of tracked sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseVM forcibly closes every session attached to vmID and returns how
// many were closed.
func (m *SessionManager) CloseVM(vmID string) int {
	return m.closeWhere(func(s *Session) bool { return s.VMID == vmID }, websocket.StatusGoingAway, "vm no longer running")
}

// CloseOwner forcibly closes every session owned by ownerID.
func (m *SessionManager) CloseOwner(ownerID string) int {
	return m.closeWhere(func(s *Session) bool { return s.OwnerID == ownerID }, websocket.StatusNormalClosure, "session closed")
}

// CloseAll closes every session, used on shutdown.
func (m *SessionManager) CloseAll() int {
	return m.closeWhere(func(*Session) bool { return true }, websocket.StatusGoingAway, "server shutting down")
}

func (m *SessionManager) closeWhere(match func(*Session) bool, code websocket.StatusCode, reason string) int {
	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if match(s) {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.close(code, reason)
		m.logger.Info("Terminal session closed", "session_id", s.ID, "user_id", s.OwnerID, "vm_id", s.VMID, "reason", reason)
	}
	return len(victims)
}

// Sweep purges sessions whose connection already went away without a clean
// teardown, and sessions idle longer than the idle timeout.
func (m *SessionManager) Sweep(now time.Time) int {
	return m.closeWhere(func(s *Session) bool {
		if s.ctx.Err() != nil {
			return true
		}
		return m.idleTimeout > 0 && now.Sub(s.LastActivity()) > m.idleTimeout
	}, websocket.StatusGoingAway, "session expired")
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *SessionManager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", interval, "idle_timeout", m.idleTimeout)

		for {
			select {
			case now := <-ticker.C:
				if n := m.Sweep(now); n > 0 {
					m.logger.Info("Swept terminal sessions", "count", n)
				}
			case <-ctx.Done():
				m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
