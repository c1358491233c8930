// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/sandbox"
	"github.com/hightd/hightd-agent/pkg/store"
)

// ErrServerExists is returned when creating a server whose id is taken.
var ErrServerExists = errors.New("server already exists")

// ErrServerNotFound is returned when no server matches the given id.
var ErrServerNotFound = errors.New("server not found")

// ErrServerAmbiguous is returned when a prefix lookup matches more than
// one server.
var ErrServerAmbiguous = errors.New("server id prefix is ambiguous")

// Registry is the process-wide index of server instances, keyed by id.
// It is the authoritative in-process list; the runtime's view is merged
// in once at boot by Reconcile.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Instance

	runtime  Runtime
	resolver *sandbox.Resolver
	store    *store.Store
}

// NewRegistry builds an empty registry.
func NewRegistry(runtime Runtime, resolver *sandbox.Resolver, st *store.Store) *Registry {
	RegisterMetrics()
	return &Registry{
		servers:  make(map[string]*Instance),
		runtime:  runtime,
		resolver: resolver,
		store:    st,
	}
}

// Get returns the instance for id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[id]
	return inst, ok
}

// Lookup resolves id first by exact match, then by unique prefix across
// the registry. Ambiguous prefixes fail with ErrServerAmbiguous.
func (r *Registry) Lookup(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.servers[id]; ok {
		return inst, nil
	}

	var match *Instance
	for serverID, inst := range r.servers {
		if !strings.HasPrefix(serverID, id) {
			continue
		}
		if match != nil {
			return nil, errors.Wrapf(ErrServerAmbiguous, "prefix %q", id)
		}
		match = inst
	}
	if match == nil {
		return nil, errors.Wrapf(ErrServerNotFound, "id %q", id)
	}
	return match, nil
}

// All returns a snapshot of every registered instance.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.servers))
	for _, inst := range r.servers {
		out = append(out, inst)
	}
	return out
}

// Create allocates the sandbox directory, persists the id and registers a
// fresh instance.
func (r *Registry) Create(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[id]; ok {
		return nil, errors.Wrapf(ErrServerExists, "id %q", id)
	}

	root, err := r.resolver.EnsureRoot(id)
	if err != nil {
		return nil, err
	}

	if known, err := r.store.HasServer(id); err != nil {
		return nil, err
	} else if !known {
		if err := r.store.AddServer(id); err != nil {
			return nil, err
		}
	}

	inst := NewInstance(id, root, r.runtime)
	r.servers[id] = inst
	registeredServers.Set(float64(len(r.servers)))

	inst.Logger().Info("server created")
	return inst, nil
}

// Delete tears the instance down and removes it from both the registry
// and the persistent store.
func (r *Registry) Delete(ctx context.Context, inst *Instance) error {
	if err := inst.Delete(ctx); err != nil {
		return err
	}

	if err := r.store.RemoveServer(inst.ID()); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.servers, inst.ID())
	registeredServers.Set(float64(len(r.servers)))
	r.mu.Unlock()

	return nil
}

// Reconcile rebuilds the registry from the persisted id set and re-binds
// instances to any containers the runtime still holds. Containers found
// running are adopted with their original start time and reattached.
func (r *Registry) Reconcile(ctx context.Context) error {
	ids, err := r.store.ServerIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		root, err := r.resolver.EnsureRoot(id)
		if err != nil {
			serverLog.WithError(err).WithField("server", id).Error("cannot ensure sandbox root, skipping")
			continue
		}

		inst := NewInstance(id, root, r.runtime)

		containerID, found, err := r.runtime.FindByName(ctx, inst.ContainerName())
		if err != nil {
			serverLog.WithError(err).WithField("server", id).Warn("runtime lookup failed during reconciliation")
		} else if found {
			inst.Adopt(ctx, containerID)
		}

		r.mu.Lock()
		r.servers[id] = inst
		registeredServers.Set(float64(len(r.servers)))
		r.mu.Unlock()

		serverLog.WithFields(logrus.Fields{
			"server":  id,
			"adopted": found,
			"running": inst.Running(),
		}).Info("server reconciled")
	}

	return nil
}
