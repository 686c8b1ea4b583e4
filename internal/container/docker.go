package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

const (
	// Container configuration.
	containerUser   = "1000"
	workingDir      = "/home/sandbox"
	mountPath       = "/home/sandbox/files"
	stopTimeoutSecs = 10

	// Exec defaults.
	defaultCols = 80
	defaultRows = 24

	// Restart policy for crashed sandboxes.
	maxRestartRetries = 3

	labelPrefix = "shsh."

	createRetryAttempts = 3
	createRetryDelay    = 250 * time.Millisecond
)

// allowedCaps is re-added after dropping every capability.
var allowedCaps = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID", "KILL", "NET_BIND_SERVICE"}

// DockerOptions configures a DockerRuntime.
type DockerOptions struct {
	Runtime       string // "" = default (runc), "runsc" = gVisor
	Network       string
	Subnet        string
	ContainerPort int
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli  *client.Client
	opts DockerOptions
}

// NewDockerRuntime creates a new Docker-backed runtime adapter.
func NewDockerRuntime(opts DockerOptions) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.Runtime != "" {
		slog.Info("Docker client initialized", "runtime", opts.Runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerRuntime{cli: cli, opts: opts}, nil
}

// Close releases the Docker client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// buildContainerConfig translates a CreateSpec into Docker create arguments.
func buildContainerConfig(spec CreateSpec, opts DockerOptions) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("container port %d: %w", opts.ContainerPort, err)
	}

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envVars)

	cfg := &container.Config{
		Image:        spec.Image,
		User:         containerUser,
		WorkingDir:   workingDir,
		Tty:          true,
		OpenStdin:    true,
		Env:          envVars,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelPrefix + "managed":  "true",
			labelPrefix + "vm_id":    spec.VMID,
			labelPrefix + "owner_id": spec.OwnerID,
		},
	}

	hostCfg := &container.HostConfig{
		Runtime:     opts.Runtime,
		NetworkMode: container.NetworkMode(opts.Network),
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.StorageDir,
				Target: mountPath,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
		},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
			PidsLimit: ptr(spec.PidsLimit),
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      allowedCaps,
		SecurityOpt: []string{"no-new-privileges"},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: maxRestartRetries,
		},
	}

	return cfg, hostCfg, nil
}

// Create creates a sandbox container.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.StorageDir == "" {
		return "", errors.New("create container: storage dir required")
	}
	if err := os.MkdirAll(spec.StorageDir, 0o755); err != nil {
		return "", fmt.Errorf("create storage dir %s: %w", spec.StorageDir, err)
	}

	cfg, hostCfg, err := buildContainerConfig(spec, d.opts)
	if err != nil {
		return "", err
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
		if createErr == nil {
			break
		}
		if !errdefs.IsConflict(createErr) {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A leftover container from an aborted provision can hold the name.
		slog.Warn("Container name conflict during create, retrying",
			"container_name", spec.Name,
			"attempt", i+1,
			"error", createErr,
		)
		if err := d.Remove(ctx, spec.Name, true); err != nil {
			slog.Warn("Failed to remove conflicting container before retry", "container_name", spec.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	slog.Info("Container created", "container_id", resp.ID, "vm_id", spec.VMID, "host_port", spec.HostPort)
	return resp.ID, nil
}

// Start starts a container. Already running is treated as success.
func (d *DockerRuntime) Start(ctx context.Context, handle string) error {
	err := d.cli.ContainerStart(ctx, handle, container.StartOptions{})
	switch {
	case err == nil:
	case errdefs.IsNotModified(err), strings.Contains(err.Error(), "already started"), strings.Contains(err.Error(), "is already running"):
		slog.Debug("Container already running", "container_id", handle)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("start container %s: %w", handle, ErrInstanceNotFound)
	default:
		return fmt.Errorf("start container %s: %w", handle, err)
	}

	// gVisor netstack often fails with Docker's embedded DNS.
	if d.opts.Runtime == "runsc" {
		if err := d.fixDNS(ctx, handle); err != nil {
			slog.Warn("Failed to apply DNS fix", "error", err, "container_id", handle)
		}
	}
	return nil
}

// fixDNS forces public DNS servers into /etc/resolv.conf (gVisor workaround).
func (d *DockerRuntime) fixDNS(ctx context.Context, containerID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}

	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:  cmd,
		User: "root",
	})
	if err != nil {
		return fmt.Errorf("create exec for dns fix: %w", err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for dns fix: %w", err)
	}
	defer attachResp.Close()

	if _, err := io.ReadAll(attachResp.Reader); err != nil {
		return fmt.Errorf("read dns fix output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect dns fix exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", inspect.ExitCode)
	}
	return nil
}

// Stop stops a container. Already stopped is treated as success.
func (d *DockerRuntime) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeoutSecs
	err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	switch {
	case err == nil:
	case errdefs.IsNotModified(err), strings.Contains(err.Error(), "is not running"):
		slog.Debug("Container already stopped", "container_id", handle)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("stop container %s: %w", handle, ErrInstanceNotFound)
	default:
		return fmt.Errorf("stop container %s: %w", handle, err)
	}
	slog.Info("Container stopped", "container_id", handle)
	return nil
}

// Remove deletes a container.
func (d *DockerRuntime) Remove(ctx context.Context, handle string, force bool) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: force})
	if err == nil {
		slog.Info("Container removed", "container_id", handle)
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", handle, ErrInstanceNotFound)
	}
	if strings.Contains(err.Error(), "is already in progress") {
		slog.Debug("Container removal already in progress", "container_id", handle)
		return nil
	}
	return fmt.Errorf("remove container %s: %w", handle, err)
}

// Inspect reports a container's observed state.
func (d *DockerRuntime) Inspect(ctx context.Context, handle string) (*InstanceInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("inspect container %s: %w", handle, ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("inspect container %s: %w", handle, err)
	}

	info := &InstanceInfo{Handle: inspect.ID}
	if inspect.State != nil {
		info.Running = inspect.State.Running
		info.PID = inspect.State.Pid
		info.StartedAt = parseDockerTime(inspect.State.StartedAt)
		info.FinishedAt = parseDockerTime(inspect.State.FinishedAt)
	}
	if info.Running && inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[d.opts.Network]; ok && ep != nil {
			info.IPAddress = ep.IPAddress
		} else {
			for _, ep := range inspect.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					info.IPAddress = ep.IPAddress
					break
				}
			}
		}
	}
	return info, nil
}

// parseDockerTime parses engine timestamps; Docker reports the zero time as
// "0001-01-01T00:00:00Z".
func parseDockerTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

// ExecAttach creates a new exec session in a running container.
func (d *DockerRuntime) ExecAttach(ctx context.Context, handle string, command []string, tty bool) (Stream, error) {
	if len(command) == 0 {
		command = []string{"/bin/bash"}
	}

	resp, err := d.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
		Cmd:          command,
		User:         containerUser,
		ConsoleSize:  &[2]uint{defaultRows, defaultCols},
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("create exec session in container %s: %w", handle, ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("create exec session in container %s: %w", handle, err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: tty})
	if err != nil {
		return nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	slog.Info("Exec session created", "exec_id", resp.ID, "container_id", handle)
	return &execStream{execID: resp.ID, hijacked: attachResp, resizer: d}, nil
}

// ExecResize resizes a running exec session.
func (d *DockerRuntime) ExecResize(ctx context.Context, execID string, cols, rows uint) error {
	if err := d.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec session %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// ListAll lists every container carrying the managed label.
func (d *DockerRuntime) ListAll(ctx context.Context) ([]Instance, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelPrefix+"managed=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]Instance, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, Instance{
			Handle:  s.ID,
			Name:    name,
			Image:   s.Image,
			State:   string(s.State),
			Status:  s.Status,
			VMID:    s.Labels[labelPrefix+"vm_id"],
			OwnerID: s.Labels[labelPrefix+"owner_id"],
			Labels:  s.Labels,
		})
	}
	return out, nil
}

// Ping verifies the Docker daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// HostInfo describes the Docker host.
func (d *DockerRuntime) HostInfo(ctx context.Context) (*HostInfo, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}
	return &HostInfo{
		Name:              info.Name,
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		Architecture:      info.Architecture,
		NCPU:              info.NCPU,
		MemTotal:          info.MemTotal,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
	}, nil
}

// PullImageIfMissing pulls ref unless it is already present.
func (d *DockerRuntime) PullImageIfMissing(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	slog.Info("Pulling image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close image pull stream", "error", closeErr)
		}
	}()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", ref, err)
	}
	slog.Info("Image pulled", "image", ref)
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == d.opts.Network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := d.cli.NetworkCreate(ctx, d.opts.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: d.opts.Subnet,
				},
			},
		},
		Labels: map[string]string{labelPrefix + "managed": "true"},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", d.opts.Network, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", d.opts.Subnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}

var _ Runtime = (*DockerRuntime)(nil)
