// Package server implements the lifecycle engine: one Instance per managed
// server, a Registry holding them, and the per-instance event bus consoles
// subscribe to.
package server

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"

	"hightd-agent/internal/docker"
	"hightd-agent/internal/sandbox"
	"hightd-agent/pkg/models"
)

const (
	startPollInterval = 200 * time.Millisecond
	startPollAttempts = 15

	gracefulStopWait = 5 * time.Second
)

// ErrNoStdin is returned when a command cannot be delivered because no stdin
// stream is attached and reattaching failed.
var ErrNoStdin = errors.New("no stdin stream attached")

// Instance is the in-memory authority for one server: its container handle,
// observed run state and event bus. All lifecycle transitions are serialized
// by lifecycleMu.
type Instance struct {
	ID string

	driver   *docker.Driver
	resolver *sandbox.Resolver
	events   *EventBus
	log      *zap.Logger

	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	containerID string
	running     bool
	startedAt   *time.Time
	stdin       io.Writer
	attach      *types.HijackedResponse
}

func newInstance(id string, driver *docker.Driver, resolver *sandbox.Resolver, log *zap.Logger) *Instance {
	return &Instance{
		ID:       id,
		driver:   driver,
		resolver: resolver,
		events:   NewEventBus(),
		log:      log.With(zap.String("server", id)),
	}
}

// Events exposes the instance bus for console subscriptions.
func (i *Instance) Events() *EventBus { return i.events }

// Running reports the last observed run state without touching the runtime.
func (i *Instance) Running() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// SandboxRoot returns the host directory bind-mounted into the container.
func (i *Instance) SandboxRoot() string {
	return i.resolver.Root(i.ID)
}

// Start provisions and launches the server container from data. Any
// pre-existing container for this server is force-removed first.
func (i *Instance) Start(ctx context.Context, data models.StartData) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()
	return i.startLocked(ctx, data)
}

func (i *Instance) startLocked(ctx context.Context, data models.StartData) error {
	if err := i.removeExistingLocked(ctx); err != nil {
		return err
	}

	vars := templateVars(data)
	if err := writeConfigFiles(i.resolver, i.ID, data.Core, vars); err != nil {
		i.events.Emit(models.NewEvent(models.EventError, "Falha ao preparar os arquivos de configuração."))
		return err
	}
	if _, err := renderStartupParser(data.Core.StartupParser, vars); err != nil {
		i.log.Warn("startup parser rejected", zap.Error(err))
		i.events.Emit(models.NewEvent(models.EventWarn, "Startup parser inválido, ignorando."))
	}

	command := composeCommand(data.Core.InstallScript, data.Core.StartupCommand, vars)

	if err := i.driver.Pull(ctx, data.Image, func(ev docker.PullEvent) {
		msg := ev.Status
		if ev.Progress != "" {
			msg += " " + ev.Progress
		}
		i.events.Emit(models.NewEvent(models.EventPull, msg))
	}); err != nil {
		i.events.Emit(models.NewEvent(models.EventError, "Falha ao baixar a imagem "+data.Image))
		return err
	}

	env := make([]string, 0, len(data.Environment)+3)
	for k, v := range data.Environment {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"SERVER_MEMORY="+strconv.Itoa(data.Memory),
		"SERVER_IP="+data.PrimaryAllocation.IP,
		"SERVER_PORT="+strconv.Itoa(data.PrimaryAllocation.Port),
	)

	allocations := append([]models.Allocation{data.PrimaryAllocation}, data.AdditionalAllocations...)

	containerID, err := i.driver.Create(ctx, docker.CreateSpec{
		ServerID:    i.ID,
		Image:       data.Image,
		Command:     command,
		SandboxPath: i.SandboxRoot(),
		MemoryMiB:   data.Memory,
		CPUPermille: data.CPU,
		DiskMiB:     data.Disk,
		Env:         env,
		Allocations: allocations,
	})
	if err != nil {
		i.events.Emit(models.NewEvent(models.EventError, "Falha ao criar o container."))
		return err
	}

	if err := i.driver.Start(ctx, containerID); err != nil {
		_ = i.driver.Remove(context.Background(), containerID, true)
		i.events.Emit(models.NewEvent(models.EventError, "Falha ao iniciar o container."))
		return err
	}

	i.mu.Lock()
	i.containerID = containerID
	i.mu.Unlock()

	var startedAt time.Time
	ready := false
	for attempt := 0; attempt < startPollAttempts; attempt++ {
		info, err := i.driver.Inspect(ctx, containerID)
		if err == nil && info.Running {
			ready = true
			startedAt = info.StartedAt
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startPollInterval):
		}
	}

	if ready {
		if startedAt.IsZero() {
			startedAt = time.Now()
		}
		i.mu.Lock()
		i.running = true
		i.startedAt = &startedAt
		i.mu.Unlock()
		i.events.Emit(models.NewEvent(models.EventStatus, "Servidor em execução."))
	} else {
		i.events.Emit(models.NewEvent(models.EventError, "O servidor não ficou pronto a tempo."))
	}

	if err := i.attachStdio(ctx, containerID); err != nil {
		i.log.Warn("stdin attach failed", zap.Error(err))
		i.events.Emit(models.NewEvent(models.EventWarn, "Não foi possível anexar o console do servidor."))
	}
	i.watchExit(containerID)
	return nil
}

// removeExistingLocked clears any previous container, both the tracked
// handle and any leftover matching the server's container name.
func (i *Instance) removeExistingLocked(ctx context.Context) error {
	i.mu.Lock()
	containerID := i.containerID
	attach := i.attach
	i.containerID = ""
	i.running = false
	i.startedAt = nil
	i.stdin = nil
	i.attach = nil
	i.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if containerID != "" {
		if err := i.driver.Remove(ctx, containerID, true); err != nil {
			i.log.Debug("stale container remove failed", zap.Error(err))
		}
	}

	id, found, err := i.driver.FindByName(ctx, docker.ContainerName(i.ID))
	if err != nil {
		return err
	}
	if found && id != containerID {
		if err := i.driver.Remove(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

// attachStdio opens the container's shared TTY stream and keeps its write
// half as the stdin sink. The read half is drained so the daemon never
// blocks on an unread attach buffer; console output comes from the log
// stream instead. Callers hold lifecycleMu.
func (i *Instance) attachStdio(ctx context.Context, containerID string) error {
	resp, err := i.driver.Attach(ctx, containerID)
	if err != nil {
		return err
	}

	i.mu.Lock()
	if i.attach != nil {
		i.attach.Close()
	}
	i.attach = &resp
	i.stdin = resp.Conn
	i.mu.Unlock()

	go func() { _, _ = io.Copy(io.Discard, resp.Reader) }()
	return nil
}

// watchExit registers the wait continuation: when the container stops for
// any reason the instance flips to stopped and drops its streams. The
// captured id guards against a newer container generation.
func (i *Instance) watchExit(containerID string) {
	statusCh, errCh := i.driver.Wait(context.Background(), containerID)
	go func() {
		select {
		case <-statusCh:
		case err := <-errCh:
			if err != nil {
				i.log.Debug("container wait ended", zap.Error(err))
			}
		}

		i.mu.Lock()
		if i.containerID != containerID {
			i.mu.Unlock()
			return
		}
		i.running = false
		i.startedAt = nil
		i.stdin = nil
		attach := i.attach
		i.attach = nil
		i.mu.Unlock()

		if attach != nil {
			attach.Close()
		}
		i.events.Emit(models.NewEvent(models.EventStatus, "Servidor desligado."))
	}()
}

// SendCommand writes one line to the server's stdin, reattaching once if the
// stream went away.
func (i *Instance) SendCommand(ctx context.Context, command string) error {
	if err := i.writeCommand(command); err == nil {
		i.events.Emit(models.NewEvent(models.EventCommand, command))
		return nil
	}
	if err := i.Reattach(ctx); err != nil {
		return err
	}
	if err := i.writeCommand(command); err != nil {
		return err
	}
	i.events.Emit(models.NewEvent(models.EventCommand, command))
	return nil
}

func (i *Instance) writeCommand(command string) error {
	i.mu.RLock()
	stdin := i.stdin
	i.mu.RUnlock()
	if stdin == nil {
		return ErrNoStdin
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	_, err := stdin.Write([]byte(command))
	return err
}

// Reattach re-opens the stdio stream of an already running container, e.g.
// after the agent restarted.
func (i *Instance) Reattach(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	i.mu.RLock()
	containerID := i.containerID
	i.mu.RUnlock()

	if containerID == "" {
		id, found, err := i.driver.FindByName(ctx, docker.ContainerName(i.ID))
		if err != nil {
			return err
		}
		if !found {
			return ErrNoStdin
		}
		containerID = id
		i.mu.Lock()
		i.containerID = id
		i.mu.Unlock()
	}
	return i.attachStdio(ctx, containerID)
}

// Stop asks the application to exit via its stop command and falls back to
// kill when there is no command or delivery fails.
func (i *Instance) Stop(ctx context.Context, stopCommand string) {
	i.events.Emit(models.NewEvent(models.EventStatus, "Parando servidor..."))
	if stopCommand != "" {
		if err := i.SendCommand(ctx, stopCommand); err == nil {
			return
		}
	}
	i.Kill(ctx)
}

// Kill force-terminates the container. Killing a stopped instance is a
// no-op; Kill never fails.
func (i *Instance) Kill(ctx context.Context) {
	i.mu.RLock()
	containerID := i.containerID
	running := i.running
	i.mu.RUnlock()

	if containerID == "" || !running {
		return
	}
	if err := i.driver.Kill(ctx, containerID); err != nil {
		i.log.Debug("container kill failed", zap.Error(err))
	}
}

// Restart performs a graceful stop when possible, then starts from data.
func (i *Instance) Restart(ctx context.Context, data models.StartData) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.Running() {
		i.events.Emit(models.NewEvent(models.EventStatus, "Parando servidor..."))
		stopped := false
		if cmd := data.Core.StopCommand; cmd != "" {
			if err := i.writeCommand(renderVars(cmd, templateVars(data))); err == nil {
				stopped = i.waitStopped(ctx, gracefulStopWait)
			}
		}
		if !stopped {
			i.Kill(ctx)
		}
	}
	return i.startLocked(ctx, data)
}

func (i *Instance) waitStopped(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	tick := time.NewTicker(startPollInterval)
	defer tick.Stop()
	for {
		if !i.Running() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-tick.C:
		}
	}
}

// Destroy tears the server down: container removed, subscribers dropped,
// sandbox deleted. The registry removes the instance afterwards.
func (i *Instance) Destroy(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if err := i.removeExistingLocked(ctx); err != nil {
		i.log.Warn("container cleanup during destroy failed", zap.Error(err))
	}
	i.events.Clear()
	return os.RemoveAll(i.SandboxRoot())
}

// Status asks the runtime for the authoritative state and syncs the tracked
// fields to it. A missing or uninspectable container reads as stopped and
// drops the handle.
func (i *Instance) Status(ctx context.Context) string {
	i.mu.RLock()
	containerID := i.containerID
	i.mu.RUnlock()
	if containerID == "" {
		return "stopped"
	}

	info, err := i.driver.Inspect(ctx, containerID)
	if err != nil {
		i.mu.Lock()
		if i.containerID == containerID {
			i.containerID = ""
			i.running = false
			i.startedAt = nil
			i.stdin = nil
			if i.attach != nil {
				i.attach.Close()
				i.attach = nil
			}
		}
		i.mu.Unlock()
		return "stopped"
	}

	i.mu.Lock()
	if info.Running {
		i.running = true
		if i.startedAt == nil && !info.StartedAt.IsZero() {
			t := info.StartedAt
			i.startedAt = &t
		}
	} else {
		i.running = false
		i.startedAt = nil
	}
	i.mu.Unlock()

	if info.Running {
		return "running"
	}
	return "stopped"
}

// Usage takes a one-shot resource snapshot. Stopped servers report only
// their state.
func (i *Instance) Usage(ctx context.Context) models.Usage {
	usage := models.Usage{State: i.Status(ctx)}
	if usage.State != "running" {
		return usage
	}

	i.mu.RLock()
	containerID := i.containerID
	startedAt := i.startedAt
	i.mu.RUnlock()

	snap, err := i.driver.StatsSnapshot(ctx, containerID)
	if err != nil {
		i.log.Warn("stats snapshot failed", zap.Error(err))
		return usage
	}
	usage.CPU = snap.CPUPercent
	usage.Memory = snap.MemoryBytes
	usage.MemoryLimit = snap.MemoryLimit
	if snap.MemoryLimit > 0 {
		usage.MemoryPercent = math.Round(float64(snap.MemoryBytes)/float64(snap.MemoryLimit)*100*100) / 100
	}
	if startedAt != nil {
		ms := startedAt.UnixMilli()
		usage.StartedAt = &ms
		usage.UptimeMs = time.Since(*startedAt).Milliseconds()
	}
	return usage
}

// StreamLogs follows the container's output, delivering whole lines in
// arrival order until the context is cancelled or cleanup is called.
func (i *Instance) StreamLogs(ctx context.Context, tail int, onLine func(string)) (func(), error) {
	i.mu.RLock()
	containerID := i.containerID
	i.mu.RUnlock()
	if containerID == "" {
		return nil, errors.New("server has no container")
	}

	tty := true
	if info, err := i.driver.Inspect(ctx, containerID); err == nil {
		tty = info.TTY
	}

	rc, err := i.driver.Logs(ctx, containerID, strconv.Itoa(tail), true)
	if err != nil {
		return nil, err
	}
	return docker.StreamLines(rc, tty, onLine), nil
}

// adopt binds an already existing container (found during reconciliation) to
// this instance, reattaching stdio when it is still running.
func (i *Instance) adopt(ctx context.Context, containerID string) {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	i.mu.Lock()
	i.containerID = containerID
	i.mu.Unlock()

	info, err := i.driver.Inspect(ctx, containerID)
	if err != nil || !info.Running {
		return
	}

	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	i.mu.Lock()
	i.running = true
	i.startedAt = &started
	i.mu.Unlock()

	if err := i.attachStdio(ctx, containerID); err != nil {
		i.log.Warn("stdin reattach failed", zap.Error(err))
	}
	i.watchExit(containerID)
}
