// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hightd/hightd-agent/pkg/sandbox"
	"github.com/hightd/hightd-agent/pkg/server/mock"
	"github.com/hightd/hightd-agent/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *mock.Runtime, *store.Store, *sandbox.Resolver) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(dir)
	assert.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := mock.NewRuntime()
	resolver := sandbox.NewResolver(dir)
	return NewRegistry(rt, resolver, st), rt, st, resolver
}

func TestCreateAllocatesSandboxAndPersists(t *testing.T) {
	assert := assert.New(t)
	registry, _, st, resolver := newTestRegistry(t)

	inst, err := registry.Create(context.Background(), "s1")
	assert.NoError(err)
	assert.DirExists(resolver.Root("s1"))

	has, err := st.HasServer("s1")
	assert.NoError(err)
	assert.True(has)

	got, ok := registry.Get("s1")
	assert.True(ok)
	assert.Equal(inst, got)
}

func TestCreateDuplicateFails(t *testing.T) {
	assert := assert.New(t)
	registry, _, _, _ := newTestRegistry(t)

	_, err := registry.Create(context.Background(), "s1")
	assert.NoError(err)

	_, err = registry.Create(context.Background(), "s1")
	assert.ErrorIs(err, ErrServerExists)
}

func TestDeleteRemovesEverything(t *testing.T) {
	assert := assert.New(t)
	registry, _, st, resolver := newTestRegistry(t)
	ctx := context.Background()

	inst, err := registry.Create(ctx, "s1")
	assert.NoError(err)
	assert.NoError(registry.Delete(ctx, inst))

	_, ok := registry.Get("s1")
	assert.False(ok)

	has, err := st.HasServer("s1")
	assert.NoError(err)
	assert.False(has)

	_, err = os.Stat(resolver.Root("s1"))
	assert.True(os.IsNotExist(err))

	// create after delete works
	_, err = registry.Create(ctx, "s1")
	assert.NoError(err)
}

func TestLookupExactAndPrefix(t *testing.T) {
	assert := assert.New(t)
	registry, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, "alpha-1234")
	assert.NoError(err)
	_, err = registry.Create(ctx, "alpine-5678")
	assert.NoError(err)
	_, err = registry.Create(ctx, "beta-9999")
	assert.NoError(err)

	inst, err := registry.Lookup("alpha-1234")
	assert.NoError(err)
	assert.Equal("alpha-1234", inst.ID())

	inst, err = registry.Lookup("beta")
	assert.NoError(err)
	assert.Equal("beta-9999", inst.ID())

	_, err = registry.Lookup("alp")
	assert.ErrorIs(err, ErrServerAmbiguous)

	_, err = registry.Lookup("missing")
	assert.ErrorIs(err, ErrServerNotFound)
}

func TestReconcileAdoptsRunningContainer(t *testing.T) {
	assert := assert.New(t)
	registry, rt, st, _ := newTestRegistry(t)
	ctx := context.Background()

	startedAt := time.Now().Add(-10 * time.Minute)
	assert.NoError(st.AddServer("s2"))
	rt.Add(&mock.Container{
		ID:        "leftover-1",
		Name:      ContainerPrefix + "s2",
		Running:   true,
		StartedAt: startedAt,
		TTY:       true,
	})

	assert.NoError(registry.Reconcile(ctx))

	inst, ok := registry.Get("s2")
	assert.True(ok)
	assert.True(inst.Running())

	got, valid := inst.StartedAt()
	assert.True(valid)
	assert.WithinDuration(startedAt, got, time.Second)
}

func TestReconcileHandlesMissingContainer(t *testing.T) {
	assert := assert.New(t)
	registry, _, st, resolver := newTestRegistry(t)

	assert.NoError(st.AddServer("s3"))
	assert.NoError(registry.Reconcile(context.Background()))

	inst, ok := registry.Get("s3")
	assert.True(ok)
	assert.False(inst.Running())
	assert.DirExists(resolver.Root("s3"))
}

func TestAllReturnsSnapshot(t *testing.T) {
	assert := assert.New(t)
	registry, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, "s1")
	assert.NoError(err)
	_, err = registry.Create(ctx, "s2")
	assert.NoError(err)

	assert.Len(registry.All(), 2)
}
