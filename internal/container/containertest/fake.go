// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-vms/internal/container"
)

// Operation names accepted by SetError.
const (
	OpCreate     = "create"
	OpStart      = "start"
	OpStop       = "stop"
	OpRemove     = "remove"
	OpInspect    = "inspect"
	OpExecAttach = "exec_attach"
	OpList       = "list"
	OpPing       = "ping"
	OpPull       = "pull"
)

type instance struct {
	spec       container.CreateSpec
	running    bool
	startedAt  time.Time
	finishedAt time.Time
	ip         string
}

// Runtime is a fake container.Runtime backed by a map.
type Runtime struct {
	mu        sync.Mutex
	instances map[string]*instance
	errs      map[string]error
	streams   map[string][]*Stream
	pulled    map[string]bool
	calls     map[string]int
	nextIP    int

	// Now supplies timestamps for StartedAt/FinishedAt.
	Now func() time.Time
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		instances: make(map[string]*instance),
		errs:      make(map[string]error),
		streams:   make(map[string][]*Stream),
		pulled:    make(map[string]bool),
		calls:     make(map[string]int),
		nextIP:    2,
		Now:       time.Now,
	}
}

// SetError makes every subsequent call of op fail with err. A nil err clears it.
func (r *Runtime) SetError(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, op)
		return
	}
	r.errs[op] = err
}

// Calls returns how many times op was invoked.
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *Runtime) enter(op string) error {
	r.calls[op]++
	return r.errs[op]
}

// Create implements container.Runtime.
func (r *Runtime) Create(_ context.Context, spec container.CreateSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpCreate); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	r.instances[handle] = &instance{spec: spec}
	return handle, nil
}

// Start implements container.Runtime.
func (r *Runtime) Start(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpStart); err != nil {
		return err
	}
	inst, ok := r.instances[handle]
	if !ok {
		return fmt.Errorf("start %s: %w", handle, container.ErrInstanceNotFound)
	}
	if !inst.running {
		inst.running = true
		inst.startedAt = r.Now()
		inst.finishedAt = time.Time{}
		inst.ip = fmt.Sprintf("172.29.0.%d", r.nextIP)
		r.nextIP++
	}
	return nil
}

// Stop implements container.Runtime.
func (r *Runtime) Stop(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpStop); err != nil {
		return err
	}
	inst, ok := r.instances[handle]
	if !ok {
		return fmt.Errorf("stop %s: %w", handle, container.ErrInstanceNotFound)
	}
	if inst.running {
		inst.running = false
		inst.finishedAt = r.Now()
		inst.ip = ""
	}
	return nil
}

// Remove implements container.Runtime.
func (r *Runtime) Remove(_ context.Context, handle string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpRemove); err != nil {
		return err
	}
	inst, ok := r.instances[handle]
	if !ok {
		return fmt.Errorf("remove %s: %w", handle, container.ErrInstanceNotFound)
	}
	if inst.running && !force {
		return fmt.Errorf("remove %s: instance is running", handle)
	}
	delete(r.instances, handle)
	return nil
}

// Inspect implements container.Runtime.
func (r *Runtime) Inspect(_ context.Context, handle string) (*container.InstanceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpInspect); err != nil {
		return nil, err
	}
	inst, ok := r.instances[handle]
	if !ok {
		return nil, fmt.Errorf("inspect %s: %w", handle, container.ErrInstanceNotFound)
	}
	return &container.InstanceInfo{
		Handle:     handle,
		Running:    inst.running,
		IPAddress:  inst.ip,
		PID:        len(handle),
		StartedAt:  inst.startedAt,
		FinishedAt: inst.finishedAt,
	}, nil
}

// ExecAttach implements container.Runtime.
func (r *Runtime) ExecAttach(_ context.Context, handle string, _ []string, _ bool) (container.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpExecAttach); err != nil {
		return nil, err
	}
	inst, ok := r.instances[handle]
	if !ok {
		return nil, fmt.Errorf("exec %s: %w", handle, container.ErrInstanceNotFound)
	}
	if !inst.running {
		return nil, fmt.Errorf("exec %s: instance not running", handle)
	}
	s := newStream()
	r.streams[handle] = append(r.streams[handle], s)
	return s, nil
}

// ExecResize implements container.Runtime.
func (r *Runtime) ExecResize(context.Context, string, uint, uint) error {
	return nil
}

// ListAll implements container.Runtime.
func (r *Runtime) ListAll(context.Context) ([]container.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpList); err != nil {
		return nil, err
	}
	out := make([]container.Instance, 0, len(r.instances))
	for handle, inst := range r.instances {
		state := "exited"
		if inst.running {
			state = "running"
		}
		out = append(out, container.Instance{
			Handle:  handle,
			Name:    inst.spec.Name,
			Image:   inst.spec.Image,
			State:   state,
			VMID:    inst.spec.VMID,
			OwnerID: inst.spec.OwnerID,
		})
	}
	return out, nil
}

// Ping implements container.Runtime.
func (r *Runtime) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enter(OpPing)
}

// HostInfo implements container.Runtime.
func (r *Runtime) HostInfo(context.Context) (*container.HostInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := 0
	for _, inst := range r.instances {
		if inst.running {
			running++
		}
	}
	return &container.HostInfo{
		Name:              "fake",
		ServerVersion:     "test",
		Containers:        len(r.instances),
		ContainersRunning: running,
		ContainersStopped: len(r.instances) - running,
	}, nil
}

// PullImageIfMissing implements container.Runtime.
func (r *Runtime) PullImageIfMissing(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpPull); err != nil {
		return err
	}
	r.pulled[image] = true
	return nil
}

// Exists reports whether handle is known.
func (r *Runtime) Exists(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[handle]
	return ok
}

// Running reports whether handle exists and is running.
func (r *Runtime) Running(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[handle]
	return ok && inst.running
}

// Spec returns the CreateSpec an instance was created with.
func (r *Runtime) Spec(handle string) (container.CreateSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[handle]
	if !ok {
		return container.CreateSpec{}, false
	}
	return inst.spec, true
}

// Crash marks a running instance as exited at finishedAt, as if its process died.
func (r *Runtime) Crash(handle string, finishedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[handle]; ok {
		inst.running = false
		inst.finishedAt = finishedAt
		inst.ip = ""
	}
}

// Revive marks an instance as running again without going through Start.
func (r *Runtime) Revive(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[handle]; ok {
		inst.running = true
		inst.startedAt = r.Now()
		inst.ip = fmt.Sprintf("172.29.0.%d", r.nextIP)
		r.nextIP++
	}
}

// Vanish deletes an instance out from under the service.
func (r *Runtime) Vanish(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, handle)
}

// Streams returns the exec streams opened against handle.
func (r *Runtime) Streams(handle string) []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stream(nil), r.streams[handle]...)
}

// Size is a recorded resize request.
type Size struct {
	Cols, Rows uint
}

// Stream is a fake container.Stream. Output written with Emit is readable by
// the consumer; bytes written by the consumer are captured.
type Stream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes []Size
	closed  bool
	written chan struct{}
}

func newStream() *Stream {
	r, w := io.Pipe()
	return &Stream{outR: r, outW: w, written: make(chan struct{}, 64)}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.input.Write(p)
	select {
	case s.written <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Resize implements container.Stream.
func (s *Stream) Resize(_ context.Context, cols, rows uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, Size{Cols: cols, Rows: rows})
	return nil
}

// Close implements io.Closer.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.outW.Close()
	return s.outR.Close()
}

// Emit delivers output to the consumer. It blocks until the bytes are read.
func (s *Stream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// EndOutput signals end of output to the consumer.
func (s *Stream) EndOutput() {
	_ = s.outW.Close()
}

// Input returns everything the consumer has written so far.
func (s *Stream) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// Written is signalled after each consumer write.
func (s *Stream) Written() <-chan struct{} {
	return s.written
}

// Resizes returns the recorded resize requests.
func (s *Stream) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ container.Runtime = (*Runtime)(nil)
	_ container.Stream  = (*Stream)(nil)
)
