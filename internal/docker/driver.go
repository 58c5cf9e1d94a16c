// Package docker wraps the Docker SDK with the intent-level operations the
// lifecycle engine needs: pull, create, start, inspect, attach, stats, logs,
// wait, kill, remove.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"hightd-agent/pkg/models"
)

// ContainerWorkDir is where the sandbox is bind-mounted inside every server
// container.
const ContainerWorkDir = "/home/hightd"

// NamePrefix distinguishes agent-owned containers from everything else on
// the host; reconciliation looks containers up by this prefix.
const NamePrefix = "hightd_"

// Driver is a thin client over the container runtime. It is a process-wide
// singleton initialized at boot.
type Driver struct {
	cli *client.Client
}

// NewDriver creates a Docker SDK client. Host may be empty to use the
// environment (DOCKER_HOST) defaults.
func NewDriver(host string) (*Driver, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// ContainerName returns the runtime name for a server id.
func ContainerName(serverID string) string {
	return NamePrefix + serverID
}

// PullEvent is one progress line of an image pull.
type PullEvent struct {
	Ref      string
	Status   string
	Progress string
}

// Pull downloads an image, invoking onEvent for each progress message the
// daemon reports. It blocks until the pull finishes.
func (d *Driver) Pull(ctx context.Context, ref string, onEvent func(PullEvent)) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status   string `json:"status"`
			ID       string `json:"id"`
			Progress string `json:"progress"`
			Error    string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pull image %s: %w", ref, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull image %s: %s", ref, msg.Error)
		}
		if onEvent != nil && msg.Status != "" {
			onEvent(PullEvent{Ref: msg.ID, Status: msg.Status, Progress: msg.Progress})
		}
	}
}

// CreateSpec describes the container for one server start.
type CreateSpec struct {
	ServerID    string
	Image       string
	Command     string
	SandboxPath string
	MemoryMiB   int
	// CPUPermille is percent of one CPU times ten (1000 == one core).
	CPUPermille int
	DiskMiB     int
	Env         []string
	Allocations []models.Allocation
}

// Create creates a server container: TTY on, stdin open and persistent,
// working directory bind-mounted from the sandbox, tcp+udp bindings for
// every allocation, and a tightly capped json-file log.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, alloc := range spec.Allocations {
		for _, proto := range []string{"tcp", "udp"} {
			port, err := nat.NewPort(proto, strconv.Itoa(alloc.Port))
			if err != nil {
				return "", fmt.Errorf("allocation port %d: %w", alloc.Port, err)
			}
			exposed[port] = struct{}{}
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   alloc.IP,
				HostPort: strconv.Itoa(alloc.Port),
			})
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		WorkingDir:   ContainerWorkDir,
		Cmd:          []string{"/bin/sh", "-c", spec.Command},
		Env:          spec.Env,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostConfig(spec, bindings), &network.NetworkingConfig{}, nil, ContainerName(spec.ServerID))
	if err != nil {
		return "", fmt.Errorf("container create failed: %w", err)
	}
	return created.ID, nil
}

// hostConfig maps the declared limits onto the runtime's host config.
func hostConfig(spec CreateSpec, bindings nat.PortMap) *container.HostConfig {
	memory := int64(spec.MemoryMiB) * 1024 * 1024
	cfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.SandboxPath,
			Target: ContainerWorkDir,
		}},
		PortBindings: bindings,
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "70k", "max-file": "1"},
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.CPUPermille) * 1_000_000,
		},
	}
	if spec.DiskMiB > 0 {
		// Enforced only by storage drivers with per-container size support
		// (overlay2 on xfs with pquota, devicemapper, btrfs, zfs).
		cfg.StorageOpt = map[string]string{"size": strconv.Itoa(spec.DiskMiB) + "M"}
	}
	return cfg
}

// Start starts the container. It does not wait for application readiness.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start failed: %w", err)
	}
	return nil
}

// InspectResult is the runtime's view of one container.
type InspectResult struct {
	Status    string
	Running   bool
	StartedAt time.Time
	TTY       bool
}

// Inspect queries the runtime for the container's current state.
func (d *Driver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return InspectResult{}, fmt.Errorf("container inspect failed: %w", err)
	}

	res := InspectResult{}
	if info.Config != nil {
		res.TTY = info.Config.Tty
	}
	if info.State != nil {
		res.Status = info.State.Status
		res.Running = info.State.Running
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			res.StartedAt = t
		}
	}
	return res, nil
}

// Attach opens the single shared stdio stream of a TTY container.
func (d *Driver) Attach(ctx context.Context, containerID string) (types.HijackedResponse, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("container attach failed: %w", err)
	}
	return resp, nil
}

// Logs opens the container's output stream. Tail may be "all" or a line
// count; follow keeps the stream open until the context is cancelled.
func (d *Driver) Logs(ctx context.Context, containerID, tail string, follow bool) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs failed: %w", err)
	}
	return rc, nil
}

// Wait resolves when the container stops running.
func (d *Driver) Wait(ctx context.Context, containerID string) (<-chan container.WaitResponse, <-chan error) {
	return d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
}

// Kill sends SIGKILL to the container.
func (d *Driver) Kill(ctx context.Context, containerID string) error {
	return d.cli.ContainerKill(ctx, containerID, "SIGKILL")
}

// Remove deletes the container.
func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
}

// FindByName looks a container up by exact name. Returns the container id
// and whether it exists.
func (d *Driver) FindByName(ctx context.Context, name string) (string, bool, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, fmt.Errorf("container list failed: %w", err)
	}
	for _, c := range list {
		for _, n := range c.Names {
			if n == "/"+name || n == name {
				return c.ID, true, nil
			}
		}
	}
	return "", false, nil
}

// Close releases the underlying SDK client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// drainLines reads rc line by line for tests and small helpers.
func drainLines(rc io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			onLine(line)
		}
	}
}
