package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

// memDB is a minimal Database for tests in this package.
type memDB struct {
	mu      sync.Mutex
	infos   map[string]*Info
	grants  map[string][]Permission
	enabled map[string]bool
	saveErr error
}

func newMemDB() *memDB {
	return &memDB{
		infos:   make(map[string]*Info),
		grants:  make(map[string][]Permission),
		enabled: make(map[string]bool),
	}
}

func (d *memDB) Get(_ context.Context, id string) (*Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.infos[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return info.Clone(), nil
}

func (d *memDB) List(_ context.Context) ([]*Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var infos []*Info
	for _, info := range d.infos {
		infos = append(infos, info.Clone())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (d *memDB) Save(_ context.Context, info *Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.infos[info.ID] = info.Clone()
	return nil
}

func (d *memDB) UpdateStatus(_ context.Context, id string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.infos[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	info.Status = status
	return nil
}

func (d *memDB) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.infos, id)
	return nil
}

func (d *memDB) GrantedPermissions(_ context.Context, id string) ([]Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Permission(nil), d.grants[id]...), nil
}

func (d *memDB) AllGrantedPermissions(_ context.Context) (map[string][]Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := make(map[string][]Permission, len(d.grants))
	for id, perms := range d.grants {
		all[id] = append([]Permission(nil), perms...)
	}
	return all, nil
}

func (d *memDB) SetGrantedPermissions(_ context.Context, id string, perms []Permission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants[id] = append([]Permission(nil), perms...)
	return nil
}

func (d *memDB) EnabledPlugins(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id := range d.enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *memDB) SetEnabled(_ context.Context, id string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if enabled {
		d.enabled[id] = true
	} else {
		delete(d.enabled, id)
	}
	return nil
}

type stubPlugin struct {
	manifest *Manifest
}

func (p *stubPlugin) Manifest() *Manifest                       { return p.manifest }
func (p *stubPlugin) Initialize(context.Context, Context) error { return nil }
func (p *stubPlugin) Cleanup() error                            { return nil }
func (p *stubPlugin) Capabilities() Capabilities                { return Capabilities{} }

var stubRuntime = InstantiatorFunc(func(_ context.Context, _ Package, m *Manifest) (Plugin, error) {
	return &stubPlugin{manifest: m}, nil
})

func validManifest(id string) *Manifest {
	return &Manifest{
		ID:             id,
		Name:           "Plugin " + id,
		Version:        "1.0.0",
		VersionCode:    1,
		Description:    "A test plugin",
		Author:         Author{Name: "Tester"},
		Type:           TypeFeature,
		Permissions:    []Permission{PermissionStorage},
		MinHostVersion: "1.0.0",
		Platforms:      []string{PlatformAny},
		Main:           "init.lua",
		Runtime:        RuntimeLua,
	}
}

func writeTestPackage(t *testing.T, dir string, m *Manifest) string {
	t.Helper()
	path := filepath.Join(dir, m.ID+PackageExt)
	if err := WritePackage(path, m, map[string][]byte{"init.lua": []byte("-- test")}); err != nil {
		t.Fatal(err)
	}
	return path
}
