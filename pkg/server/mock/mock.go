// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package mock provides a stateful in-memory container runtime for tests.
package mock

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"

	"github.com/hightd/hightd-agent/pkg/driver"
)

// Container is one fake container.
type Container struct {
	ID        string
	Name      string
	Spec      driver.CreateSpec
	Running   bool
	StartedAt time.Time
	TTY       bool

	exitCh chan struct{}
	// StdinData accumulates everything written to the attach stream.
	StdinData []byte
	// LogsWriter feeds the last opened log stream.
	LogsWriter *io.PipeWriter
}

// Runtime is an in-memory server.Runtime. Individual calls can be
// overridden via the *Func fields.
type Runtime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*Container

	PullFunc    func(ctx context.Context, ref string, onEvent func(driver.PullEvent)) error
	CreateFunc  func(ctx context.Context, spec driver.CreateSpec) (string, error)
	StartFunc   func(ctx context.Context, id string) error
	InspectFunc func(ctx context.Context, id string) (driver.InspectResult, error)
	StatsFunc   func(ctx context.Context, id string) (container.StatsResponse, error)
	AttachFunc  func(ctx context.Context, id string) (types.HijackedResponse, error)
	LogsFunc    func(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error)
	KillFunc    func(ctx context.Context, id string) error
	RemoveFunc  func(ctx context.Context, id string, force bool) error
}

// NewRuntime returns an empty mock runtime.
func NewRuntime() *Runtime {
	return &Runtime{containers: make(map[string]*Container)}
}

// Get returns the container with the given id.
func (r *Runtime) Get(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

// Add registers a pre-existing container, as if left behind by an earlier
// process.
func (r *Runtime) Add(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.exitCh == nil {
		c.exitCh = make(chan struct{})
		if !c.Running {
			close(c.exitCh)
		}
	}
	r.containers[c.ID] = c
}

// StopContainer marks a running container exited, releasing waiters.
func (r *Runtime) StopContainer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok && c.Running {
		c.Running = false
		close(c.exitCh)
	}
}

func (r *Runtime) Pull(ctx context.Context, ref string, onEvent func(driver.PullEvent)) error {
	if r.PullFunc != nil {
		return r.PullFunc(ctx, ref, onEvent)
	}
	if onEvent != nil {
		onEvent(driver.PullEvent{Ref: ref, Status: "Pulling from library"})
		onEvent(driver.PullEvent{Ref: ref, Status: "Download complete"})
	}
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec driver.CreateSpec) (string, error) {
	if r.CreateFunc != nil {
		return r.CreateFunc(ctx, spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := "mock-" + spec.Name + "-" + time.Now().Format("150405") + string(rune('a'+r.nextID%26))
	r.containers[id] = &Container{
		ID:     id,
		Name:   spec.Name,
		Spec:   spec,
		TTY:    true,
		exitCh: make(chan struct{}),
	}
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if r.StartFunc != nil {
		return r.StartFunc(ctx, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return errors.Errorf("no such container %s", id)
	}
	c.Running = true
	c.StartedAt = time.Now()
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (driver.InspectResult, error) {
	if r.InspectFunc != nil {
		return r.InspectFunc(ctx, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return driver.InspectResult{}, errors.Errorf("no such container %s", id)
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return driver.InspectResult{Status: status, Running: c.Running, StartedAt: c.StartedAt}, nil
}

func (r *Runtime) Stats(ctx context.Context, id string) (container.StatsResponse, error) {
	if r.StatsFunc != nil {
		return r.StatsFunc(ctx, id)
	}
	return container.StatsResponse{}, nil
}

func (r *Runtime) Attach(ctx context.Context, id string) (types.HijackedResponse, error) {
	if r.AttachFunc != nil {
		return r.AttachFunc(ctx, id)
	}

	r.mu.Lock()
	c, ok := r.containers[id]
	r.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, errors.Errorf("no such container %s", id)
	}

	local, remote := net.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := remote.Read(buf)
			if n > 0 {
				r.mu.Lock()
				c.StdinData = append(c.StdinData, buf[:n]...)
				r.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error) {
	if r.LogsFunc != nil {
		return r.LogsFunc(ctx, id, follow, tail)
	}

	pr, pw := io.Pipe()
	r.mu.Lock()
	if c, ok := r.containers[id]; ok {
		c.LogsWriter = pw
	}
	r.mu.Unlock()
	return pr, nil
}

func (r *Runtime) IsTTY(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		return c.TTY, nil
	}
	return true, nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (int64, error) {
	r.mu.Lock()
	c, ok := r.containers[id]
	r.mu.Unlock()
	if !ok {
		return 0, errors.Errorf("no such container %s", id)
	}

	select {
	case <-c.exitCh:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	if r.KillFunc != nil {
		return r.KillFunc(ctx, id)
	}
	r.StopContainer(id)
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	if r.RemoveFunc != nil {
		return r.RemoveFunc(ctx, id, force)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return errors.Errorf("no such container %s", id)
	}
	if c.Running {
		if !force {
			return errors.Errorf("container %s is running", id)
		}
		c.Running = false
		close(c.exitCh)
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) FindByName(ctx context.Context, name string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.containers {
		if c.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}
