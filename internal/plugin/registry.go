package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry holds loaded plugin instances and mirrors them to the Database.
// Registration and removal update the map and the persisted record under one
// lock, so readers never observe one without the other.
type Registry struct {
	mu sync.Mutex

	db      Database
	plugins map[string]Plugin

	// Registration order, for deterministic listings
	order []string

	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for record timestamps.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry backed by db.
func NewRegistry(db Database, opts ...RegistryOption) *Registry {
	r := &Registry{
		db:      db,
		plugins: make(map[string]Plugin),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a plugin instance and upserts its record.
// New records start disabled; existing records keep their status.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p == nil {
		return ErrNilPlugin
	}
	m := p.Manifest()
	if m == nil {
		return ErrNilManifest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.upsertLocked(ctx, m); err != nil {
		return fmt.Errorf("register %s: %w", m.ID, err)
	}
	if _, exists := r.plugins[m.ID]; !exists {
		r.order = append(r.order, m.ID)
	}
	r.plugins[m.ID] = p
	return nil
}

// RegisterAll registers every plugin, continuing past failures.
func (r *Registry) RegisterAll(ctx context.Context, plugins []Plugin) error {
	var errs []error
	for _, p := range plugins {
		if err := r.Register(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) upsertLocked(ctx context.Context, m *Manifest) error {
	info, err := r.db.Get(ctx, m.ID)
	switch {
	case errors.Is(err, ErrPluginNotFound):
		info = NewInfo(m, r.now())
	case err != nil:
		return err
	default:
		info = info.Clone()
		info.Manifest = m
		info.UpdatedAt = r.now()
		if !info.Status.IsInstalled() {
			info.Status = StatusDisabled
		}
	}
	return r.db.Save(ctx, info)
}

// Remove drops the instance and deletes its record. Removing an unknown id is
// a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Delete(ctx, id); err != nil && !errors.Is(err, ErrPluginNotFound) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if _, exists := r.plugins[id]; !exists {
		return nil
	}
	delete(r.plugins, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the plugin instance with the given id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Manifest returns the manifest of a registered plugin.
func (r *Registry) Manifest(id string) (*Manifest, bool) {
	p, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return p.Manifest(), true
}

// Contains returns true if a plugin with the id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.plugins[id]
	return ok
}

// Size returns the number of registered plugins.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Plugins returns registered instances in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pluginsLocked()
}

func (r *Registry) pluginsLocked() []Plugin {
	plugins := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		plugins = append(plugins, r.plugins[id])
	}
	return plugins
}

// GetByType returns the plugins whose manifest declares the type.
func (r *Registry) GetByType(t Type) []Plugin {
	var matched []Plugin
	for _, p := range r.Plugins() {
		if p.Manifest().Type == t {
			matched = append(matched, p)
		}
	}
	return matched
}

// GetAll returns a record for every registered plugin. Plugins without a
// persisted record get a default disabled one; it is not written back.
func (r *Registry) GetAll(ctx context.Context) ([]*Info, error) {
	plugins := r.Plugins()

	persisted, err := r.db.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plugin records: %w", err)
	}
	byID := make(map[string]*Info, len(persisted))
	for _, info := range persisted {
		byID[info.ID] = info
	}

	infos := make([]*Info, 0, len(plugins))
	for _, p := range plugins {
		m := p.Manifest()
		if info, ok := byID[m.ID]; ok {
			c := info.Clone()
			c.Manifest = m
			infos = append(infos, c)
			continue
		}
		now := r.now()
		infos = append(infos, NewInfo(m, now))
	}
	return infos, nil
}
