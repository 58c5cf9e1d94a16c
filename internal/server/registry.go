package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"hightd-agent/internal/docker"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/store"
)

var (
	// ErrServerExists is returned when creating an id already registered.
	ErrServerExists = errors.New("server already exists")
	// ErrServerNotFound is returned for lookups of unknown ids.
	ErrServerNotFound = errors.New("server not found")
	// ErrAmbiguousPrefix is returned when a prefix lookup matches more than
	// one server.
	ErrAmbiguousPrefix = errors.New("server id prefix is ambiguous")
)

// Registry owns every Instance on this node and keeps the persisted id set
// in sync with it.
type Registry struct {
	driver   *docker.Driver
	resolver *sandbox.Resolver
	store    *store.Store
	log      *zap.Logger

	mu      sync.RWMutex
	servers map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(driver *docker.Driver, resolver *sandbox.Resolver, st *store.Store, log *zap.Logger) *Registry {
	return &Registry{
		driver:   driver,
		resolver: resolver,
		store:    st,
		log:      log,
		servers:  make(map[string]*Instance),
	}
}

// Get returns the instance for an exact server id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[id]
	return inst, ok
}

// All returns every instance, ordered by id.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.servers))
	for _, inst := range r.servers {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Count returns the number of managed servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// RunningCount returns how many instances currently track a running
// container.
func (r *Registry) RunningCount() int {
	n := 0
	for _, inst := range r.All() {
		if inst.Running() {
			n++
		}
	}
	return n
}

// Create registers a new server: sandbox directory, persisted id, instance.
func (r *Registry) Create(ctx context.Context, id string) (*Instance, error) {
	if id == "" {
		return nil, errors.New("server id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; ok {
		return nil, ErrServerExists
	}

	if err := os.MkdirAll(r.resolver.Root(id), 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox for %s: %w", id, err)
	}
	if err := r.store.Add(ctx, id); err != nil {
		return nil, fmt.Errorf("persist server %s: %w", id, err)
	}

	inst := newInstance(id, r.driver, r.resolver, r.log)
	r.servers[id] = inst
	r.log.Info("server registered", zap.String("server", id))
	return inst, nil
}

// Delete destroys the server and removes it from the registry and the
// persisted set.
func (r *Registry) Delete(ctx context.Context, id string) error {
	inst, ok := r.Get(id)
	if !ok {
		return ErrServerNotFound
	}

	if err := inst.Destroy(ctx); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
	r.log.Info("server deleted", zap.String("server", id))
	return nil
}

// Lookup finds an instance by exact id, falling back to a unique id prefix.
// SFTP usernames carry truncated ids, hence the prefix form.
func (r *Registry) Lookup(idOrPrefix string) (*Instance, error) {
	if idOrPrefix == "" {
		return nil, ErrServerNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.servers[idOrPrefix]; ok {
		return inst, nil
	}

	var match *Instance
	for id, inst := range r.servers {
		if strings.HasPrefix(id, idOrPrefix) {
			if match != nil {
				return nil, ErrAmbiguousPrefix
			}
			match = inst
		}
	}
	if match == nil {
		return nil, ErrServerNotFound
	}
	return match, nil
}

// Reconcile rebuilds the in-memory registry from the persisted id set and
// adopts whatever containers the runtime still holds for those ids. Runs
// once at boot, before the control surfaces come up.
func (r *Registry) Reconcile(ctx context.Context) error {
	ids, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list persisted servers: %w", err)
	}

	adopted := 0
	for _, id := range ids {
		if err := os.MkdirAll(r.resolver.Root(id), 0o755); err != nil {
			return fmt.Errorf("restore sandbox for %s: %w", id, err)
		}

		inst := newInstance(id, r.driver, r.resolver, r.log)
		containerID, found, err := r.driver.FindByName(ctx, docker.ContainerName(id))
		if err != nil {
			r.log.Warn("container lookup failed during reconcile",
				zap.String("server", id), zap.Error(err))
		} else if found {
			inst.adopt(ctx, containerID)
			adopted++
		}

		r.mu.Lock()
		r.servers[id] = inst
		r.mu.Unlock()
	}

	r.log.Info("registry reconciled",
		zap.Int("servers", len(ids)), zap.Int("containers", adopted))
	return nil
}
