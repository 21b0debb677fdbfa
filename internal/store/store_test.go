package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/update"
)

func testInfo(id string) *plugin.Info {
	m := &plugin.Manifest{ID: id, Name: id, Version: "1.0.0", VersionCode: 1, Type: plugin.TypeTheme}
	return plugin.NewInfo(m, time.Unix(1700000000, 0).UTC())
}

func TestMemoryRecords(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()

	_, err := db.Get(ctx, "missing")
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
	assert.ErrorIs(t, db.UpdateStatus(ctx, "missing", plugin.StatusEnabled), plugin.ErrPluginNotFound)
	assert.ErrorIs(t, db.Delete(ctx, "missing"), plugin.ErrPluginNotFound)

	require.NoError(t, db.Save(ctx, testInfo("b")))
	require.NoError(t, db.Save(ctx, testInfo("a")))

	list, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, db.UpdateStatus(ctx, "a", plugin.StatusEnabled))
	got, err := db.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusEnabled, got.Status)

	// Returned records are copies.
	got.Status = plugin.StatusError
	got.Manifest.Name = "mutated"
	again, _ := db.Get(ctx, "a")
	assert.Equal(t, plugin.StatusEnabled, again.Status)
	assert.Equal(t, "a", again.Manifest.Name)

	assert.Error(t, db.Save(ctx, nil))
}

func TestMemoryGrantsAndEnabled(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()
	require.NoError(t, db.Save(ctx, testInfo("a")))

	require.NoError(t, db.SetGrantedPermissions(ctx, "a", []plugin.Permission{plugin.PermissionStorage, plugin.PermissionNetwork}))
	perms, err := db.GrantedPermissions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []plugin.Permission{plugin.PermissionNetwork, plugin.PermissionStorage}, perms)

	all, err := db.AllGrantedPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.SetGrantedPermissions(ctx, "a", nil))
	all, _ = db.AllGrantedPermissions(ctx)
	assert.Empty(t, all)

	require.NoError(t, db.SetEnabled(ctx, "b", true))
	require.NoError(t, db.SetEnabled(ctx, "a", true))
	require.NoError(t, db.SetEnabled(ctx, "a", true))
	ids, err := db.EnabledPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, db.SetGrantedPermissions(ctx, "a", []plugin.Permission{plugin.PermissionStorage}))
	require.NoError(t, db.Delete(ctx, "a"))
	ids, _ = db.EnabledPlugins(ctx)
	assert.Equal(t, []string{"b"}, ids)
	perms, _ = db.GrantedPermissions(ctx, "a")
	assert.Empty(t, perms)
}

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()
	require.NoError(t, db.AddHistory(ctx, update.Record{ID: "1", PluginID: "a", ToVersionCode: 2, Success: true}))
	require.NoError(t, db.AddHistory(ctx, update.Record{ID: "2", PluginID: "b", ToVersionCode: 5}))
	require.NoError(t, db.AddHistory(ctx, update.Record{ID: "3", PluginID: "a", ToVersionCode: 3, Success: true}))

	h, err := db.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "1", h[0].ID)
	assert.Equal(t, "3", h[1].ID)

	all, err := db.AllHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "plughost.db")

	db, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, testInfo("a")))
	require.NoError(t, db.SetEnabled(ctx, "a", true))
	require.NoError(t, db.SetGrantedPermissions(ctx, "a", []plugin.Permission{plugin.PermissionStorage}))
	require.NoError(t, db.AddHistory(ctx, update.Record{ID: "h1", PluginID: "a", Success: true}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x22, 0x4d, 0x18}, raw[:4], "lz4 frame magic")

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	info, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", info.Manifest.Name)
	assert.Equal(t, plugin.StatusDisabled, info.Status)

	ids, _ := reopened.EnabledPlugins(ctx)
	assert.Equal(t, []string{"a"}, ids)
	perms, _ := reopened.GrantedPermissions(ctx, "a")
	assert.Equal(t, []plugin.Permission{plugin.PermissionStorage}, perms)
	h, _ := reopened.History(ctx, "a")
	assert.Len(t, h, 1)
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plughost.db")
	require.NoError(t, os.WriteFile(path, []byte("not lz4"), 0600))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestFileWriteFailureDiscardsChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := OpenFile(filepath.Join(dir, "state", "plughost.db"))
	require.NoError(t, err)

	// A regular file where the directory should be makes every write fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), nil, 0600))

	assert.Error(t, db.Save(ctx, testInfo("a")))
	_, err = db.Get(ctx, "a")
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
}

func TestMemoryBilling(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()

	_, err := db.Trial(ctx, "a")
	assert.ErrorIs(t, err, billing.ErrNoTrial)

	require.NoError(t, db.SaveTrial(ctx, billing.Trial{PluginID: "a", ExpiresAt: time.Unix(10, 0)}))
	require.NoError(t, db.SaveTrial(ctx, billing.Trial{PluginID: "a", ExpiresAt: time.Unix(10, 0), Ended: true}))
	tr, err := db.Trial(ctx, "a")
	require.NoError(t, err)
	assert.True(t, tr.Ended)

	require.NoError(t, db.SavePurchase(ctx, billing.Purchase{PluginID: "a", Receipt: "r1"}))
	require.NoError(t, db.SavePurchase(ctx, billing.Purchase{PluginID: "b", Receipt: "r2"}))
	ps, err := db.Purchases(ctx, "a")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "r1", ps[0].Receipt)
}
