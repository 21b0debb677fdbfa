// Package store provides plugin.Database implementations: an in-memory
// store and a file-backed store that persists an lz4-compressed JSON
// snapshot after every change. Both also keep plugin update history,
// purchases and trials.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/update"
)

// snapshot is the whole persisted state.
type snapshot struct {
	Plugins map[string]*plugin.Info        `json:"plugins"`
	Grants  map[string][]plugin.Permission `json:"grants"`
	Enabled map[string]bool                `json:"enabled"`
	History []update.Record                `json:"history"`

	Purchases []billing.Purchase       `json:"purchases"`
	Trials    map[string]billing.Trial `json:"trials"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Plugins: make(map[string]*plugin.Info),
		Grants:  make(map[string][]plugin.Permission),
		Enabled: make(map[string]bool),
		Trials:  make(map[string]billing.Trial),
	}
}

// clone copies the maps. Stored values are replaced, never mutated, so
// sharing them is safe.
func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		Plugins: make(map[string]*plugin.Info, len(s.Plugins)),
		Grants:  make(map[string][]plugin.Permission, len(s.Grants)),
		Enabled: make(map[string]bool, len(s.Enabled)),
		History: append([]update.Record(nil), s.History...),

		Purchases: append([]billing.Purchase(nil), s.Purchases...),
		Trials:    make(map[string]billing.Trial, len(s.Trials)),
	}
	for k, v := range s.Plugins {
		c.Plugins[k] = v
	}
	for k, v := range s.Grants {
		c.Grants[k] = v
	}
	for k, v := range s.Enabled {
		c.Enabled[k] = v
	}
	for k, v := range s.Trials {
		c.Trials[k] = v
	}
	return c
}

// Memory is a plugin.Database, update.HistoryRepository and billing
// repository held in memory.
type Memory struct {
	mu    sync.RWMutex
	state *snapshot

	// persist is called with the new state before a change becomes
	// visible. A failure discards the change.
	persist func(*snapshot) error
}

var (
	_ plugin.Database            = (*Memory)(nil)
	_ update.HistoryRepository   = (*Memory)(nil)
	_ billing.PurchaseRepository = (*Memory)(nil)
	_ billing.TrialRepository    = (*Memory)(nil)
)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{state: newSnapshot()}
}

func (m *Memory) read() *snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Memory) update(fn func(s *snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return err
		}
	}
	m.state = next
	return nil
}

// Get returns a copy of the record for id.
func (m *Memory) Get(_ context.Context, id string) (*plugin.Info, error) {
	info, ok := m.read().Plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
	}
	return info.Clone(), nil
}

// List returns copies of every record sorted by id.
func (m *Memory) List(_ context.Context) ([]*plugin.Info, error) {
	s := m.read()
	out := make([]*plugin.Info, 0, len(s.Plugins))
	for _, info := range s.Plugins {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save inserts or replaces a record.
func (m *Memory) Save(_ context.Context, info *plugin.Info) error {
	if info == nil || info.ID == "" {
		return fmt.Errorf("save: %w", plugin.ErrNilManifest)
	}
	stored := info.Clone()
	return m.update(func(s *snapshot) error {
		s.Plugins[stored.ID] = stored
		return nil
	})
}

// UpdateStatus changes the status of an existing record.
func (m *Memory) UpdateStatus(_ context.Context, id string, status plugin.Status) error {
	return m.update(func(s *snapshot) error {
		info, ok := s.Plugins[id]
		if !ok {
			return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
		}
		info = info.Clone()
		info.Status = status
		s.Plugins[id] = info
		return nil
	})
}

// Delete removes a record together with its grants and enabled flag.
func (m *Memory) Delete(_ context.Context, id string) error {
	return m.update(func(s *snapshot) error {
		if _, ok := s.Plugins[id]; !ok {
			return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
		}
		delete(s.Plugins, id)
		delete(s.Grants, id)
		delete(s.Enabled, id)
		return nil
	})
}

// GrantedPermissions returns the persisted grants of a plugin.
func (m *Memory) GrantedPermissions(_ context.Context, id string) ([]plugin.Permission, error) {
	return append([]plugin.Permission(nil), m.read().Grants[id]...), nil
}

// AllGrantedPermissions returns the grants of every plugin that has any.
func (m *Memory) AllGrantedPermissions(_ context.Context) (map[string][]plugin.Permission, error) {
	s := m.read()
	out := make(map[string][]plugin.Permission, len(s.Grants))
	for id, perms := range s.Grants {
		out[id] = append([]plugin.Permission(nil), perms...)
	}
	return out, nil
}

// SetGrantedPermissions replaces the grants of a plugin. An empty set
// removes the entry.
func (m *Memory) SetGrantedPermissions(_ context.Context, id string, perms []plugin.Permission) error {
	stored := append([]plugin.Permission(nil), perms...)
	sort.Slice(stored, func(i, j int) bool { return stored[i] < stored[j] })
	return m.update(func(s *snapshot) error {
		if len(stored) == 0 {
			delete(s.Grants, id)
		} else {
			s.Grants[id] = stored
		}
		return nil
	})
}

// EnabledPlugins returns the enabled ids sorted.
func (m *Memory) EnabledPlugins(_ context.Context) ([]string, error) {
	s := m.read()
	ids := make([]string, 0, len(s.Enabled))
	for id := range s.Enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetEnabled adds or removes id from the enabled set.
func (m *Memory) SetEnabled(_ context.Context, id string, enabled bool) error {
	return m.update(func(s *snapshot) error {
		if enabled {
			s.Enabled[id] = true
		} else {
			delete(s.Enabled, id)
		}
		return nil
	})
}

// AddHistory appends an update record.
func (m *Memory) AddHistory(_ context.Context, r update.Record) error {
	return m.update(func(s *snapshot) error {
		s.History = append(s.History, r)
		return nil
	})
}

// History returns the records of one plugin, oldest first.
func (m *Memory) History(_ context.Context, pluginID string) ([]update.Record, error) {
	var out []update.Record
	for _, r := range m.read().History {
		if r.PluginID == pluginID {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllHistory returns every record, oldest first.
func (m *Memory) AllHistory(_ context.Context) ([]update.Record, error) {
	return append([]update.Record(nil), m.read().History...), nil
}

// SavePurchase appends a purchase.
func (m *Memory) SavePurchase(_ context.Context, p billing.Purchase) error {
	return m.update(func(s *snapshot) error {
		s.Purchases = append(s.Purchases, p)
		return nil
	})
}

// Purchases returns the purchases of one plugin.
func (m *Memory) Purchases(_ context.Context, pluginID string) ([]billing.Purchase, error) {
	var out []billing.Purchase
	for _, p := range m.read().Purchases {
		if p.PluginID == pluginID {
			out = append(out, p)
		}
	}
	return out, nil
}

// SaveTrial inserts or replaces the trial of a plugin.
func (m *Memory) SaveTrial(_ context.Context, t billing.Trial) error {
	return m.update(func(s *snapshot) error {
		s.Trials[t.PluginID] = t
		return nil
	})
}

// Trial returns the trial of a plugin.
func (m *Memory) Trial(_ context.Context, pluginID string) (billing.Trial, error) {
	t, ok := m.read().Trials[pluginID]
	if !ok {
		return billing.Trial{}, fmt.Errorf("%w: %s", billing.ErrNoTrial, pluginID)
	}
	return t, nil
}
