// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hightd/hightd-agent/pkg/driver"
	"github.com/hightd/hightd-agent/pkg/server/mock"
)

func newTestInstance(t *testing.T) (*Instance, *mock.Runtime) {
	t.Helper()
	rt := mock.NewRuntime()
	return NewInstance("s1", t.TempDir(), rt), rt
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *eventCollector) hasMessage(message string) bool {
	for _, e := range c.snapshot() {
		if e.Message == message {
			return true
		}
	}
	return false
}

func TestStartBringsServerUp(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)

	collector := &eventCollector{}
	defer inst.AddLiveListener(collector.add)()

	assert.NoError(inst.Start(context.Background(), sampleStartData()))
	assert.True(inst.Running())

	_, ok := inst.StartedAt()
	assert.True(ok)

	id, found, err := rt.FindByName(context.Background(), "hightd-s1")
	assert.NoError(err)
	assert.True(found)

	c, _ := rt.Get(id)
	assert.Equal("itzg/minecraft-server:latest", c.Spec.Image)
	assert.True(strings.HasPrefix(c.Spec.Command, "exec "))
	assert.Equal(inst.Root(), c.Spec.SandboxRoot)

	var categories []Category
	for _, e := range collector.snapshot() {
		categories = append(categories, e.Category)
	}
	assert.Contains(categories, CategoryPull)
	assert.True(collector.hasMessage("Servidor em execução."))
}

func TestStartReplacesPreviousContainer(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	firstID, _, _ := rt.FindByName(ctx, "hightd-s1")

	assert.NoError(inst.Start(ctx, sampleStartData()))
	secondID, found, _ := rt.FindByName(ctx, "hightd-s1")
	assert.True(found)
	assert.NotEqual(firstID, secondID)

	_, stillThere := rt.Get(firstID)
	assert.False(stillThere)
}

func TestStartRollsBackOnPullFailure(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)

	rt.PullFunc = func(context.Context, string, func(driver.PullEvent)) error {
		return errors.Wrap(driver.ErrPullFailed, "no such image")
	}

	err := inst.Start(context.Background(), sampleStartData())
	assert.ErrorIs(err, driver.ErrPullFailed)
	assert.False(inst.Running())

	_, found, _ := rt.FindByName(context.Background(), "hightd-s1")
	assert.False(found)
}

func TestStartRollsBackOnCreateFailure(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)

	rt.CreateFunc = func(context.Context, driver.CreateSpec) (string, error) {
		return "", errors.New("boom")
	}

	err := inst.Start(context.Background(), sampleStartData())
	assert.Error(err)
	assert.False(inst.Running())
	assert.Equal(StatusStopped, inst.GetStatus(context.Background()))
}

func TestSendCommandReachesStdin(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	assert.NoError(inst.SendCommand("say hello"))

	id, _, _ := rt.FindByName(ctx, "hightd-s1")
	waitFor(t, func() bool {
		c, ok := rt.Get(id)
		return ok && strings.Contains(string(c.StdinData), "say hello\n")
	})
}

func TestSendCommandWithoutContainerFails(t *testing.T) {
	assert := assert.New(t)
	inst, _ := newTestInstance(t)

	err := inst.SendCommand("noop")
	assert.ErrorIs(err, ErrStdinUnavailable)
}

func TestStopFallsBackToKill(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	rt.AttachFunc = func(context.Context, string) (types.HijackedResponse, error) {
		return types.HijackedResponse{}, errors.New("attach refused")
	}

	assert.NoError(inst.Start(ctx, sampleStartData()))
	id, _, _ := rt.FindByName(ctx, "hightd-s1")

	assert.NoError(inst.Stop(ctx, "stop"))

	waitFor(t, func() bool {
		c, ok := rt.Get(id)
		return ok && !c.Running
	})
	waitFor(t, func() bool { return !inst.Running() })
}

func TestKillOnStoppedServerIsNoOp(t *testing.T) {
	inst, _ := newTestInstance(t)
	inst.Kill(context.Background())
}

func TestExitTransitionsToStopped(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	collector := &eventCollector{}
	defer inst.AddLiveListener(collector.add)()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	id, _, _ := rt.FindByName(ctx, "hightd-s1")

	rt.StopContainer(id)

	waitFor(t, func() bool { return !inst.Running() })
	_, ok := inst.StartedAt()
	assert.False(ok)

	waitFor(t, func() bool { return collector.hasMessage("Servidor marcado como desligado") })
}

func TestGetStatusSynchronizesWithRuntime(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.Equal(StatusStopped, inst.GetStatus(ctx))

	assert.NoError(inst.Start(ctx, sampleStartData()))
	assert.Equal(StatusRunning, inst.GetStatus(ctx))

	// kill behind the instance's back; the next inspect corrects the flag
	id, _, _ := rt.FindByName(ctx, "hightd-s1")
	rt.StopContainer(id)
	assert.Equal(StatusStopped, inst.GetStatus(ctx))
	assert.False(inst.Running())
}

func TestGetStatusDropsHandleOnInspectFailure(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))

	rt.InspectFunc = func(context.Context, string) (driver.InspectResult, error) {
		return driver.InspectResult{}, errors.New("daemon gone")
	}
	assert.Equal(StatusStopped, inst.GetStatus(ctx))
	assert.False(inst.Running())
}

func TestGetUsagesFormula(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))

	rt.StatsFunc = func(context.Context, string) (container.StatsResponse, error) {
		var stats container.StatsResponse
		stats.CPUStats.CPUUsage.TotalUsage = 400
		stats.PreCPUStats.CPUUsage.TotalUsage = 100
		stats.CPUStats.SystemUsage = 1000
		stats.PreCPUStats.SystemUsage = 400
		stats.CPUStats.OnlineCPUs = 2
		stats.MemoryStats.Usage = 512 * 1024 * 1024
		stats.MemoryStats.Limit = 2048 * 1024 * 1024
		return stats, nil
	}

	usage, err := inst.GetUsages(ctx)
	assert.NoError(err)
	// (300/600) * 2 cpus * 100 = 100.00
	assert.Equal(100.0, usage.CPUPercent)
	assert.Equal(uint64(512*1024*1024), usage.MemoryBytes)
	assert.Equal(uint64(2048*1024*1024), usage.MemoryLimitBytes)
}

func TestReduceStatsZeroDeltas(t *testing.T) {
	assert := assert.New(t)

	var stats container.StatsResponse
	stats.MemoryStats.Usage = 42
	usage := reduceStats(stats)
	assert.Zero(usage.CPUPercent)
	assert.Equal(uint64(42), usage.MemoryBytes)
}

func TestStreamDockerLogsDeliversLines(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	id, _, _ := rt.FindByName(ctx, "hightd-s1")

	collector := &lineCollector{}
	cleanup, err := inst.StreamDockerLogs(ctx, 100, collector.add)
	assert.NoError(err)
	defer cleanup()

	c, _ := rt.Get(id)
	waitFor(t, func() bool { return c.LogsWriter != nil })
	c.LogsWriter.Write([]byte("[Server] Done (3.14s)!\n"))

	waitFor(t, func() bool { return len(collector.snapshot()) == 1 })
	assert.Equal([]string{"[Server] Done (3.14s)!"}, collector.snapshot())

	cleanup()
	cleanup()
}

func TestDeleteRemovesSandbox(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	assert.NoError(inst.Delete(ctx))

	assert.False(inst.Running())
	_, found, _ := rt.FindByName(ctx, "hightd-s1")
	assert.False(found)

	assert.NoDirExists(inst.Root())
}

func TestRestart(t *testing.T) {
	assert := assert.New(t)
	inst, rt := newTestInstance(t)
	ctx := context.Background()

	assert.NoError(inst.Start(ctx, sampleStartData()))
	firstID, _, _ := rt.FindByName(ctx, "hightd-s1")

	assert.NoError(inst.Restart(ctx, sampleStartData()))
	assert.True(inst.Running())

	secondID, found, _ := rt.FindByName(ctx, "hightd-s1")
	assert.True(found)
	assert.NotEqual(firstID, secondID)

	// give the old wait continuation time to observe the swap
	time.Sleep(50 * time.Millisecond)
	assert.True(inst.Running())
}
