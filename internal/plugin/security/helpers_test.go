package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
)

// grantStore is an in-memory GrantStore that can be made to fail.
type grantStore struct {
	mu     sync.Mutex
	grants map[string][]plugin.Permission
	writes int
	fail   error
}

func newGrantStore() *grantStore {
	return &grantStore{grants: make(map[string][]plugin.Permission)}
}

func (s *grantStore) AllGrantedPermissions(context.Context) (map[string][]plugin.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]plugin.Permission, len(s.grants))
	for id, perms := range s.grants {
		out[id] = append([]plugin.Permission(nil), perms...)
	}
	return out, nil
}

func (s *grantStore) SetGrantedPermissions(_ context.Context, id string, perms []plugin.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	if len(perms) == 0 {
		delete(s.grants, id)
		return nil
	}
	s.grants[id] = append([]plugin.Permission(nil), perms...)
	return nil
}

func (s *grantStore) stored(id string) []plugin.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[id]
}

// manifests is a ManifestSource over a fixed map.
type manifests map[string]*plugin.Manifest

func (m manifests) Manifest(id string) (*plugin.Manifest, bool) {
	man, ok := m[id]
	return man, ok
}

func testManifest(id string, perms ...plugin.Permission) *plugin.Manifest {
	return &plugin.Manifest{
		ID:             id,
		Name:           "Test " + id,
		Version:        "1.0.0",
		VersionCode:    1,
		Description:    "test plugin",
		Author:         plugin.Author{Name: "tester"},
		Type:           plugin.TypeFeature,
		Permissions:    perms,
		MinHostVersion: "1.0.0",
		Platforms:      []string{plugin.PlatformAny},
	}
}

func newTestPermissions(t *testing.T, ms ...*plugin.Manifest) (*PermissionManager, *grantStore) {
	t.Helper()
	src := manifests{}
	for _, m := range ms {
		src[m.ID] = m
	}
	store := newGrantStore()
	pm := NewPermissionManager(store, src, WithPermissionClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	if err := pm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return pm, store
}

// newTestManager returns a security manager whose loops never fire on their
// own.
func newTestManager(t *testing.T, ms ...*plugin.Manifest) (*Manager, *resource.ReportingSource) {
	t.Helper()
	pm, _ := newTestPermissions(t, ms...)
	src := resource.NewReportingSource()
	tracker := resource.NewTracker(src, resource.WithSampleInterval(time.Hour))
	limiter := resource.NewLimiter(tracker, resource.WithEnforceInterval(time.Hour))
	t.Cleanup(func() {
		limiter.Close()
		tracker.Stop()
	})

	root := t.TempDir()
	cfg := Config{
		DataDir:  root + "/data",
		PrefsDir: root + "/prefs",
		DefaultLimits: resource.Limits{
			MaxCPUPercent:   50,
			MaxMemoryBytes:  1000,
			MaxNetworkBytes: 1 << 20,
			NetworkWindow:   time.Minute,
		},
	}
	return NewManager(cfg, pm, tracker, limiter), src
}

var errStoreDown = errors.New("store down")
