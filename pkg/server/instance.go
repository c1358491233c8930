// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"context"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/driver"
)

var serverLog = logrus.WithField("source", "server")

// SetLogger sets the logger for the server package.
func SetLogger(logger *logrus.Entry) {
	fields := serverLog.Data
	serverLog = logger.WithFields(fields)
}

// ContainerPrefix prefixes every container name this agent owns.
const ContainerPrefix = "hightd-"

const (
	startPollInterval = 200 * time.Millisecond
	startPollAttempts = 15
)

// Status is the externally visible state of a server.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

const (
	msgStarting   = "Iniciando o servidor..."
	msgRunning    = "Servidor em execução."
	msgStopping   = "Parando o servidor..."
	msgStopped    = "Servidor marcado como desligado"
	msgStartStuck = "O servidor não ficou em execução a tempo."
)

// ErrStdinUnavailable is returned when a command cannot be written because
// no stdio attach stream exists, even after one reattach attempt.
var ErrStdinUnavailable = errors.New("server stdin unavailable")

// Runtime is the container runtime surface the lifecycle engine consumes.
// *driver.Docker satisfies it.
type Runtime interface {
	Pull(ctx context.Context, ref string, onEvent func(driver.PullEvent)) error
	Create(ctx context.Context, spec driver.CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (driver.InspectResult, error)
	Stats(ctx context.Context, id string) (container.StatsResponse, error)
	Attach(ctx context.Context, id string) (types.HijackedResponse, error)
	Logs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error)
	IsTTY(ctx context.Context, id string) (bool, error)
	Wait(ctx context.Context, id string) (int64, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	FindByName(ctx context.Context, name string) (string, bool, error)
}

// Instance is the lifecycle state machine for one server. Lifecycle
// actions (start, stop, restart, delete, reattach) are serialized per
// instance; command writes, status reads, usage reads and live emission
// run concurrently against a short critical section.
type Instance struct {
	id   string
	root string

	runtime Runtime
	events  *Bus

	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	containerID string
	running     bool
	startedAt   time.Time
	stdin       io.Writer
	attach      *types.HijackedResponse
}

// NewInstance constructs an instance for id with its sandbox at root.
func NewInstance(id, root string, runtime Runtime) *Instance {
	return &Instance{
		id:      id,
		root:    root,
		runtime: runtime,
		events:  NewBus(),
	}
}

// ID returns the server id.
func (s *Instance) ID() string { return s.id }

// Root returns the sandbox root directory.
func (s *Instance) Root() string { return s.root }

// ContainerName returns the runtime name of this server's container.
func (s *Instance) ContainerName() string { return ContainerPrefix + s.id }

// Logger returns a logger scoped to this instance.
func (s *Instance) Logger() *logrus.Entry {
	return serverLog.WithField("server", s.id)
}

// Events exposes the instance's live event bus.
func (s *Instance) Events() *Bus { return s.events }

// AddLiveListener subscribes fn to this instance's live events and returns
// the unsubscribe function.
func (s *Instance) AddLiveListener(fn func(Event)) func() {
	return s.events.Subscribe(fn)
}

func (s *Instance) emit(category Category, message string) {
	s.events.Emit(category, message)
}

// Start brings the server up: render templates, pull the image, create and
// start the container, await running, attach stdio and register the exit
// continuation. A pre-existing container is force-removed first.
func (s *Instance) Start(ctx context.Context, data *StartData) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.startLocked(ctx, data)
}

func (s *Instance) startLocked(ctx context.Context, data *StartData) error {
	if err := data.Validate(); err != nil {
		return err
	}

	s.removeExistingLocked(ctx)

	vars := buildVars(data)
	core := renderCore(data.Core, vars)

	if err := writeConfigTemplates(s.root, core.ConfigSystem); err != nil {
		serverFailuresTotal.Inc()
		return err
	}
	command := composeCommand(core.InstallScript, core.StartupCommand)

	s.emit(CategoryStatus, msgStarting)

	err := s.runtime.Pull(ctx, data.Image, func(ev driver.PullEvent) {
		message := ev.Status
		if ev.Ref != "" {
			message = ev.Ref + ": " + message
		}
		if ev.Progress != "" {
			message += " " + ev.Progress
		}
		s.emit(CategoryPull, message)
	})
	if err != nil {
		return s.rollbackLocked(ctx, err)
	}

	containerID, err := s.runtime.Create(ctx, driver.CreateSpec{
		Name:        s.ContainerName(),
		Image:       data.Image,
		SandboxRoot: s.root,
		Command:     command,
		Env:         data.Environment,
		MemoryMiB:   data.Memory,
		CPUPermille: data.CPU,
		DiskMiB:     data.Disk,
		Allocations: data.Allocations(),
	})
	if err != nil {
		return s.rollbackLocked(ctx, err)
	}

	s.mu.Lock()
	s.containerID = containerID
	s.mu.Unlock()

	if err := s.runtime.Start(ctx, containerID); err != nil {
		return s.rollbackLocked(ctx, err)
	}

	poll := func() error {
		res, err := s.runtime.Inspect(ctx, containerID)
		if err != nil {
			return err
		}
		if !res.Running {
			return errors.New("container not yet running")
		}
		return nil
	}
	pollErr := backoff.Retry(poll, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(startPollInterval), startPollAttempts), ctx))

	if pollErr == nil {
		s.mu.Lock()
		s.running = true
		s.startedAt = time.Now()
		s.mu.Unlock()

		runningServers.Inc()
		serverStartsTotal.Inc()
		s.emit(CategoryStatus, msgRunning)
	} else {
		serverFailuresTotal.Inc()
		s.emit(CategoryError, msgStartStuck)
	}

	if err := s.attachLocked(ctx); err != nil {
		// non-fatal: commands fail until a reattach succeeds
		s.Logger().WithError(err).Warn("stdio attach failed")
	}

	go s.superviseExit(containerID)

	return nil
}

// rollbackLocked force-removes any created container, resets the fields
// and propagates the original error.
func (s *Instance) rollbackLocked(ctx context.Context, cause error) error {
	s.mu.Lock()
	containerID := s.containerID
	s.containerID = ""
	s.running = false
	s.startedAt = time.Time{}
	s.stdin = nil
	attach := s.attach
	s.attach = nil
	s.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if containerID != "" {
		if err := s.runtime.Remove(ctx, containerID, true); err != nil {
			s.Logger().WithError(err).Warn("rollback container removal failed")
		}
	}

	serverFailuresTotal.Inc()
	s.emit(CategoryError, cause.Error())
	return cause
}

// removeExistingLocked force-removes whatever container currently backs
// this instance, both by handle and by name.
func (s *Instance) removeExistingLocked(ctx context.Context) {
	s.mu.Lock()
	containerID := s.containerID
	s.containerID = ""
	wasRunning := s.running
	s.running = false
	s.startedAt = time.Time{}
	s.stdin = nil
	attach := s.attach
	s.attach = nil
	s.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if wasRunning {
		runningServers.Dec()
	}

	if containerID != "" {
		if err := s.runtime.Remove(ctx, containerID, true); err != nil {
			s.Logger().WithError(err).Debug("previous container removal failed")
		}
	}

	// a container left behind by a previous agent process has the same name
	if id, found, err := s.runtime.FindByName(ctx, s.ContainerName()); err == nil && found && id != containerID {
		if err := s.runtime.Remove(ctx, id, true); err != nil {
			s.Logger().WithError(err).Debug("stale container removal failed")
		}
	}
}

// superviseExit waits for the container to exit and transitions the
// instance to stopped.
func (s *Instance) superviseExit(containerID string) {
	exitCode, err := s.runtime.Wait(context.Background(), containerID)
	if err != nil {
		s.Logger().WithError(err).Debug("container wait ended with error")
	}

	s.mu.Lock()
	if s.containerID != containerID {
		// a newer container took over; nothing to transition
		s.mu.Unlock()
		return
	}
	wasRunning := s.running
	s.running = false
	s.startedAt = time.Time{}
	s.stdin = nil
	attach := s.attach
	s.attach = nil
	s.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if wasRunning {
		runningServers.Dec()
		serverStopsTotal.Inc()
	}

	s.Logger().WithField("exit-code", exitCode).Info("container exited")
	s.emit(CategoryStatus, msgStopped)
}

// Adopt binds an already existing container to this instance, used during
// boot reconciliation. A running container is adopted as running with the
// runtime's StartedAt (falling back to now) and stdio reattached.
func (s *Instance) Adopt(ctx context.Context, containerID string) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	s.containerID = containerID
	s.mu.Unlock()

	res, err := s.runtime.Inspect(ctx, containerID)
	if err != nil {
		s.Logger().WithError(err).Warn("inspect failed while adopting container")
		s.mu.Lock()
		s.containerID = ""
		s.mu.Unlock()
		return
	}

	if !res.Running {
		go s.reapAdopted(containerID)
		return
	}

	startedAt := res.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	s.mu.Lock()
	s.running = true
	s.startedAt = startedAt
	s.mu.Unlock()
	runningServers.Inc()

	if err := s.attachLocked(ctx); err != nil {
		s.Logger().WithError(err).Warn("stdio reattach failed while adopting container")
	}

	go s.superviseExit(containerID)

	s.Logger().WithFields(logrus.Fields{
		"container":  containerID,
		"started-at": startedAt,
	}).Info("adopted running container")
}

// reapAdopted runs the exit handling for an adopted container that is not
// running; the runtime's Wait returns at once for it. The container handle
// is kept, so GetStatus still inspects it and sees a later outside start.
func (s *Instance) reapAdopted(containerID string) {
	s.superviseExit(containerID)
}

// attachLocked opens the stdio stream and installs the stdin sink. The
// output side is drained so the daemon never blocks on us.
func (s *Instance) attachLocked(ctx context.Context) error {
	s.mu.RLock()
	containerID := s.containerID
	s.mu.RUnlock()

	if containerID == "" {
		return errors.Wrap(ErrStdinUnavailable, "no container")
	}

	resp, err := s.runtime.Attach(ctx, containerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.attach != nil {
		s.attach.Close()
	}
	s.attach = &resp
	s.stdin = resp.Conn
	s.mu.Unlock()

	go func() {
		_, _ = io.Copy(io.Discard, resp.Reader)
	}()

	return nil
}

// Reattach re-opens the stdio stream.
func (s *Instance) Reattach(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.attachLocked(ctx)
}

func (s *Instance) writeCommand(command string) error {
	s.mu.RLock()
	stdin := s.stdin
	s.mu.RUnlock()

	if stdin == nil {
		return errors.Wrap(ErrStdinUnavailable, "no attach stream")
	}

	if len(command) == 0 || command[len(command)-1] != '\n' {
		command += "\n"
	}
	if _, err := stdin.Write([]byte(command)); err != nil {
		return errors.Wrap(ErrStdinUnavailable, err.Error())
	}
	return nil
}

// SendCommand writes a command line to the server's stdin, attempting one
// reattach when no sink is available.
func (s *Instance) SendCommand(command string) error {
	if err := s.writeCommand(command); err == nil {
		return nil
	}

	if err := s.Reattach(context.Background()); err != nil {
		return errors.Wrap(ErrStdinUnavailable, err.Error())
	}
	return s.writeCommand(command)
}

// Stop asks the server to shut down by writing its stop command; any
// failure falls back to Kill.
func (s *Instance) Stop(ctx context.Context, command string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked(ctx, command)
}

func (s *Instance) stopLocked(ctx context.Context, command string) error {
	s.emit(CategoryStatus, msgStopping)

	err := s.writeCommand(command)
	if err != nil {
		if err = s.attachLocked(ctx); err == nil {
			err = s.writeCommand(command)
		}
	}
	if err != nil {
		s.Logger().WithError(err).Warn("graceful stop failed, killing")
		s.killLocked(ctx)
	}
	return nil
}

// Kill asks the runtime to kill the container. It never raises; a kill of
// a stopped server is a no-op.
func (s *Instance) Kill(ctx context.Context) {
	s.killLocked(ctx)
}

func (s *Instance) killLocked(ctx context.Context) {
	s.mu.RLock()
	containerID := s.containerID
	s.mu.RUnlock()

	if containerID == "" {
		return
	}
	if err := s.runtime.Kill(ctx, containerID); err != nil {
		s.Logger().WithError(err).Debug("kill failed")
	}
}

// Restart stops the server with the recipe's stop command and starts it
// again with data.
func (s *Instance) Restart(ctx context.Context, data *StartData) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := s.stopLocked(ctx, data.Core.StopCommand); err != nil {
		return err
	}
	return s.startLocked(ctx, data)
}

// Delete tears the server down: best-effort kill, force container
// removal, in-memory reset and sandbox directory removal. Deregistration
// is the registry's job.
func (s *Instance) Delete(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.killLocked(ctx)

	s.mu.Lock()
	containerID := s.containerID
	s.containerID = ""
	wasRunning := s.running
	s.running = false
	s.startedAt = time.Time{}
	s.stdin = nil
	attach := s.attach
	s.attach = nil
	s.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if wasRunning {
		runningServers.Dec()
	}
	s.events.Reset()

	if containerID != "" {
		if err := s.runtime.Remove(ctx, containerID, true); err != nil {
			s.Logger().WithError(err).Warn("container removal failed during delete")
		}
	}

	if err := os.RemoveAll(s.root); err != nil {
		return errors.Wrap(err, "remove sandbox directory")
	}

	s.Logger().Info("server deleted")
	return nil
}

// GetStatus authoritatively reports running or stopped, synchronizing the
// in-memory flags with the runtime. Inspect failure counts as stopped and
// drops the container handle.
func (s *Instance) GetStatus(ctx context.Context) Status {
	s.mu.RLock()
	containerID := s.containerID
	s.mu.RUnlock()

	if containerID == "" {
		return StatusStopped
	}

	res, err := s.runtime.Inspect(ctx, containerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != containerID {
		if s.running {
			return StatusRunning
		}
		return StatusStopped
	}

	if err != nil {
		if s.running {
			runningServers.Dec()
		}
		s.containerID = ""
		s.running = false
		s.startedAt = time.Time{}
		s.stdin = nil
		return StatusStopped
	}

	if res.Running {
		if !s.running {
			s.running = true
			runningServers.Inc()
			s.startedAt = res.StartedAt
			if s.startedAt.IsZero() {
				s.startedAt = time.Now()
			}
		}
		return StatusRunning
	}

	if s.running {
		runningServers.Dec()
	}
	s.running = false
	s.startedAt = time.Time{}
	return StatusStopped
}

// Running reports the last observed running flag without touching the
// runtime.
func (s *Instance) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// StartedAt returns the start timestamp, valid only while running.
func (s *Instance) StartedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt, s.running && !s.startedAt.IsZero()
}

// Usage is a one-shot resource snapshot.
type Usage struct {
	CPUPercent       float64
	MemoryBytes      uint64
	MemoryLimitBytes uint64
}

// GetUsages reduces a one-shot stats snapshot to cpu and memory numbers.
func (s *Instance) GetUsages(ctx context.Context) (Usage, error) {
	s.mu.RLock()
	containerID := s.containerID
	s.mu.RUnlock()

	if containerID == "" {
		return Usage{}, errors.New("server has no container")
	}

	stats, err := s.runtime.Stats(ctx, containerID)
	if err != nil {
		return Usage{}, err
	}
	return reduceStats(stats), nil
}

func reduceStats(stats container.StatsResponse) Usage {
	usage := Usage{
		MemoryBytes:      stats.MemoryStats.Usage,
		MemoryLimitBytes: stats.MemoryStats.Limit,
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		usage.CPUPercent = math.Round(cpuDelta/sysDelta*onlineCPUs*100*100) / 100
	}
	return usage
}

// StreamDockerLogs follows the container's log stream, delivering lines in
// arrival order. The returned cleanup is idempotent.
func (s *Instance) StreamDockerLogs(ctx context.Context, tail int, onLine func(string)) (func(), error) {
	s.mu.RLock()
	containerID := s.containerID
	s.mu.RUnlock()

	if containerID == "" {
		return nil, errors.New("server has no container")
	}

	tty, err := s.runtime.IsTTY(ctx, containerID)
	if err != nil {
		tty = true
	}

	rc, err := s.runtime.Logs(ctx, containerID, true, tail)
	if err != nil {
		return nil, err
	}
	return StreamLines(rc, tty, onLine), nil
}
