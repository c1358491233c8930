// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package driver

import (
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
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var driverLog = logrus.WithField("source", "driver")

const (
	// MountTarget is where a server's sandbox is bind mounted inside its
	// container, doubling as the working directory.
	MountTarget = "/home/hightd"

	// log driver cap: 70 KiB, one file
	logMaxSize = "70k"
	logMaxFile = "1"
)

// ErrPullFailed is returned when an image pull does not complete.
var ErrPullFailed = errors.New("image pull failed")

// SetLogger sets the logger for the driver package.
func SetLogger(logger *logrus.Entry) {
	fields := driverLog.Data
	driverLog = logger.WithFields(fields)
}

// Docker is the intent-level wrapper over the Docker Engine API. It is the
// only component that talks to the runtime.
type Docker struct {
	cli *client.Client
}

// New builds a Docker driver from the environment (DOCKER_HOST et al) with
// API version negotiation.
func New() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &Docker{cli: cli}, nil
}

// Ping checks that the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the underlying client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// PullEvent is one progress frame of an image pull.
type PullEvent struct {
	Ref      string
	Status   string
	Progress string
}

// Pull downloads an image, invoking onEvent for every progress frame the
// daemon reports. It blocks until the pull finishes.
func (d *Docker) Pull(ctx context.Context, ref string, onEvent func(PullEvent)) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(ErrPullFailed, "%s: %v", ref, err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(ErrPullFailed, "%s: %v", ref, err)
		}
		if msg.Error != nil {
			return errors.Wrapf(ErrPullFailed, "%s: %s", ref, msg.Error.Message)
		}
		if onEvent == nil {
			continue
		}
		ev := PullEvent{Ref: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			ev.Progress = msg.Progress.String()
		}
		onEvent(ev)
	}
}

// Allocation is one {ip, port} tuple published to the container as both a
// TCP and a UDP binding.
type Allocation struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// CreateSpec declares one container to create.
type CreateSpec struct {
	Name        string
	Image       string
	SandboxRoot string
	Command     string
	Env         map[string]string

	MemoryMiB int64
	// CPUPermille is percent of one CPU times ten (1000 = one full CPU).
	CPUPermille int64
	DiskMiB     int64

	Allocations []Allocation
}

// Create creates a container from spec: TTY on, stdin open and persistent,
// sandbox bind mounted at MountTarget, resource limits applied, every
// allocation bound for TCP and UDP, json-file logs capped.
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, alloc := range spec.Allocations {
		for _, proto := range []string{"tcp", "udp"} {
			port := nat.Port(fmt.Sprintf("%d/%s", alloc.Port, proto))
			exposed[port] = struct{}{}
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   alloc.IP,
				HostPort: strconv.Itoa(alloc.Port),
			})
		}
	}

	env := make([]string, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, name+"="+value)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Env:          env,
		WorkingDir:   MountTarget,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
		Cmd:          []string{"/bin/sh", "-c", spec.Command},
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.SandboxRoot,
				Target: MountTarget,
			},
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": logMaxSize,
				"max-file": logMaxFile,
			},
		},
	}
	if spec.MemoryMiB > 0 {
		hostConfig.Memory = spec.MemoryMiB * 1024 * 1024
	}
	if spec.CPUPermille > 0 {
		hostConfig.NanoCPUs = spec.CPUPermille * 1e6
	}
	if spec.DiskMiB > 0 {
		hostConfig.StorageOpt = map[string]string{
			"size": fmt.Sprintf("%dM", spec.DiskMiB),
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "create container %s", spec.Name)
	}

	driverLog.WithFields(logrus.Fields{
		"name":      spec.Name,
		"container": resp.ID,
		"image":     spec.Image,
	}).Debug("container created")

	return resp.ID, nil
}

// Start starts a created container. It does not wait for the application
// inside to become ready.
func (d *Docker) Start(ctx context.Context, id string) error {
	return errors.Wrapf(d.cli.ContainerStart(ctx, id, container.StartOptions{}),
		"start container %s", id)
}

// InspectResult is the runtime's view of one container.
type InspectResult struct {
	Status    string
	Running   bool
	StartedAt time.Time
}

// Inspect returns the container's current status and start time.
func (d *Docker) Inspect(ctx context.Context, id string) (InspectResult, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return InspectResult{}, errors.Wrapf(err, "inspect container %s", id)
	}

	result := InspectResult{}
	if info.State != nil {
		result.Status = info.State.Status
		result.Running = info.State.Running
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			result.StartedAt = t
		}
	}
	return result, nil
}

// Stats takes a one-shot stats snapshot.
func (d *Docker) Stats(ctx context.Context, id string) (container.StatsResponse, error) {
	var stats container.StatsResponse

	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return stats, errors.Wrapf(err, "stats for container %s", id)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, errors.Wrapf(err, "decode stats for container %s", id)
	}
	return stats, nil
}

// Attach opens the single shared stdio stream of the container. With TTY
// enabled the output side is not framed by stream id.
func (d *Docker) Attach(ctx context.Context, id string) (types.HijackedResponse, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	return resp, errors.Wrapf(err, "attach to container %s", id)
}

// Logs opens the container's log stream.
func (d *Docker) Logs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       strconv.Itoa(tail),
	})
	return rc, errors.Wrapf(err, "logs for container %s", id)
}

// IsTTY reports whether the container was created with a TTY. Log and
// attach streams of TTY containers are not framed.
func (d *Docker) IsTTY(ctx context.Context, id string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, errors.Wrapf(err, "inspect container %s", id)
	}
	return info.Config != nil && info.Config.Tty, nil
}

// Wait blocks until the container is no longer running and returns its
// exit code.
func (d *Docker) Wait(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, errors.Errorf("wait for container %s: %s", id, result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return 0, errors.Wrapf(err, "wait for container %s", id)
	}
}

// Kill sends SIGKILL to the container.
func (d *Docker) Kill(ctx context.Context, id string) error {
	return errors.Wrapf(d.cli.ContainerKill(ctx, id, "SIGKILL"), "kill container %s", id)
}

// Remove deletes the container.
func (d *Docker) Remove(ctx context.Context, id string, force bool) error {
	return errors.Wrapf(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}),
		"remove container %s", id)
}

// FindByName looks a container up by its exact name, returning its id and
// whether it exists.
func (d *Docker) FindByName(ctx context.Context, name string) (string, bool, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "list containers named %s", name)
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
