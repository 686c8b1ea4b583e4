package container

import (
	"context"
	"sync"

	"github.com/docker/docker/api/types"
)

type execResizer interface {
	ExecResize(ctx context.Context, execID string, cols, rows uint) error
}

// execStream adapts a hijacked exec connection to Stream. Output is read
// through the buffered reader so bytes already consumed by the HTTP upgrade
// are not lost. With a TTY the output is not multiplexed.
type execStream struct {
	execID   string
	hijacked types.HijackedResponse
	resizer  execResizer

	closeOnce sync.Once
}

// ExecID returns the engine-side exec session identifier.
func (s *execStream) ExecID() string {
	return s.execID
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.hijacked.Reader.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.hijacked.Conn.Write(p)
}

func (s *execStream) Resize(ctx context.Context, cols, rows uint) error {
	return s.resizer.ExecResize(ctx, s.execID, cols, rows)
}

func (s *execStream) Close() error {
	s.closeOnce.Do(s.hijacked.Close)
	return nil
}
