// Package container provides the runtime adapter over the host container engine.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrInstanceNotFound is returned when a runtime handle no longer resolves to
// a container.
var ErrInstanceNotFound = errors.New("runtime instance not found")

// Runtime is the thin interface the VM lifecycle and terminal layers use to
// drive sandbox containers. Implementations must treat starting a running
// instance and stopping a stopped instance as success.
type Runtime interface {
	// Create creates (but does not start) a sandbox instance and returns its handle.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts an instance. Already running is not an error.
	Start(ctx context.Context, handle string) error

	// Stop stops an instance. Already stopped is not an error.
	Stop(ctx context.Context, handle string) error

	// Remove deletes an instance.
	Remove(ctx context.Context, handle string, force bool) error

	// Inspect reports the observed state of an instance.
	Inspect(ctx context.Context, handle string) (*InstanceInfo, error)

	// ExecAttach starts command inside a running instance and returns its
	// interactive byte stream.
	ExecAttach(ctx context.Context, handle string, command []string, tty bool) (Stream, error)

	// ExecResize resizes the terminal of an exec session.
	ExecResize(ctx context.Context, execID string, cols, rows uint) error

	// ListAll lists every instance managed by this service.
	ListAll(ctx context.Context) ([]Instance, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// HostInfo describes the engine host.
	HostInfo(ctx context.Context) (*HostInfo, error)

	// PullImageIfMissing pulls image unless it is already present locally.
	PullImageIfMissing(ctx context.Context, image string) error
}

// Stream is a duplex terminal byte channel with resize capability.
type Stream interface {
	io.ReadWriteCloser

	// Resize changes the terminal dimensions of the stream.
	Resize(ctx context.Context, cols, rows uint) error
}

// CreateSpec describes a sandbox instance to create.
type CreateSpec struct {
	Name        string
	Image       string
	OwnerID     string
	VMID        string
	MemoryBytes int64
	CPUShares   int64
	PidsLimit   int64
	HostPort    int
	// StorageDir is the host directory bind-mounted into the sandbox. It must
	// be the owner's storage subtree.
	StorageDir string
	Env        map[string]string
}

// InstanceInfo is the observed state of one instance.
type InstanceInfo struct {
	Handle     string
	Running    bool
	IPAddress  string
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Instance is one entry of ListAll.
type Instance struct {
	Handle  string            `json:"handle"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Status  string            `json:"status"`
	VMID    string            `json:"vm_id,omitempty"`
	OwnerID string            `json:"owner_id,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// HostInfo summarises the engine host.
type HostInfo struct {
	Name              string `json:"name"`
	ServerVersion     string `json:"server_version"`
	OperatingSystem   string `json:"operating_system"`
	Architecture      string `json:"architecture"`
	NCPU              int    `json:"ncpu"`
	MemTotal          int64  `json:"mem_total"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	ContainersStopped int    `json:"containers_stopped"`
	Images            int    `json:"images"`
}
