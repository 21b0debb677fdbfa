package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dshills/plughost/internal/plugin"
)

func TestRequestUndeclaredPermissionDenied(t *testing.T) {
	m := testManifest("com.example.net", plugin.PermissionNetwork)
	pm, store := newTestPermissions(t, m)

	res := pm.RequestPermission(context.Background(), m.ID, plugin.PermissionStorage, m)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonNotDeclared, res.Reason)
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionStorage))
	assert.Empty(t, pm.PendingRequests())
	assert.Zero(t, store.writes)
}

func TestRequestNonSensitiveAutoGranted(t *testing.T) {
	m := testManifest("com.example.notify", plugin.PermissionNotifications)
	pm, store := newTestPermissions(t, m)

	res := pm.RequestPermission(context.Background(), m.ID, plugin.PermissionNotifications, m)
	assert.True(t, res.Granted())
	assert.Nil(t, res.Request)
	assert.Empty(t, pm.PendingRequests())
	assert.True(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNotifications))
	assert.Equal(t, []plugin.Permission{plugin.PermissionNotifications}, store.stored(m.ID))
}

func TestRequestSensitiveThenGrant(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.net", plugin.PermissionNetwork)
	pm, store := newTestPermissions(t, m)

	sub := pm.SubscribeRequests()
	defer sub.Unsubscribe()
	<-sub.C // initial empty list

	res := pm.RequestPermission(ctx, m.ID, plugin.PermissionNetwork, m)
	require.Equal(t, StatusPending, res.Status)
	require.NotNil(t, res.Request)
	assert.Equal(t, m.Name, res.Request.PluginName)
	assert.NotEmpty(t, res.Request.ID)
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork))

	select {
	case reqs := <-sub.C:
		require.Len(t, reqs, 1)
		assert.Equal(t, res.Request.ID, reqs[0].ID)
	case <-time.After(time.Second):
		t.Fatal("pending request not published")
	}

	// Asking again does not queue a second request.
	again := pm.RequestPermission(ctx, m.ID, plugin.PermissionNetwork, m)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, res.Request.ID, again.Request.ID)
	assert.Len(t, pm.PendingRequests(), 1)

	got, ok := pm.PendingRequest(res.Request.ID)
	require.True(t, ok)
	assert.Equal(t, plugin.PermissionNetwork, got.Permission)

	granted := pm.GrantPermission(ctx, m.ID, plugin.PermissionNetwork)
	assert.True(t, granted.Granted())
	assert.True(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork))
	assert.Empty(t, pm.PendingRequests())
	assert.Equal(t, []plugin.Permission{plugin.PermissionNetwork}, store.stored(m.ID))

	// Now granted, further requests return Granted immediately.
	assert.True(t, pm.RequestPermission(ctx, m.ID, plugin.PermissionNetwork, m).Granted())
}

func TestDenyClearsPendingWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.net", plugin.PermissionNetwork)
	pm, store := newTestPermissions(t, m)

	pm.RequestPermission(ctx, m.ID, plugin.PermissionNetwork, m)
	res := pm.DenyPermission(ctx, m.ID, plugin.PermissionNetwork, "")
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonUserDenied, res.Reason)
	assert.Empty(t, pm.PendingRequests())
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork))
	assert.Zero(t, store.writes)

	// Denying again is harmless.
	res = pm.DenyPermission(ctx, m.ID, plugin.PermissionNetwork, "nope")
	assert.Equal(t, "nope", res.Reason)
}

func TestGrantRequiresInstalledAndDeclared(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.a", plugin.PermissionStorage)
	pm, _ := newTestPermissions(t, m)

	res := pm.GrantPermission(ctx, "com.example.missing", plugin.PermissionStorage)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonNotInstalled, res.Reason)

	res = pm.GrantPermission(ctx, m.ID, plugin.PermissionNetwork)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonNotDeclared, res.Reason)
}

func TestGrantPersistFailureLeavesCacheUnchanged(t *testing.T) {
	m := testManifest("com.example.a", plugin.PermissionStorage)
	pm, store := newTestPermissions(t, m)
	store.fail = errStoreDown

	res := pm.GrantPermission(context.Background(), m.ID, plugin.PermissionStorage)
	assert.Equal(t, StatusDenied, res.Status)
	assert.True(t, errors.Is(res.Err, errStoreDown))
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionStorage))
}

func TestRevokePermissions(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.a", plugin.PermissionStorage, plugin.PermissionPreferences, plugin.PermissionNetwork)
	pm, store := newTestPermissions(t, m)

	pm.GrantPermission(ctx, m.ID, plugin.PermissionStorage)
	pm.GrantPermission(ctx, m.ID, plugin.PermissionPreferences)
	pm.RequestPermission(ctx, m.ID, plugin.PermissionNetwork, m)

	require.NoError(t, pm.RevokePermission(ctx, m.ID, plugin.PermissionStorage))
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionStorage))
	assert.Equal(t, []plugin.Permission{plugin.PermissionPreferences}, pm.GrantedPermissions(m.ID))

	// Revoking something not granted is a no-op.
	require.NoError(t, pm.RevokePermission(ctx, m.ID, plugin.PermissionStorage))

	require.NoError(t, pm.RevokeAllPermissions(ctx, m.ID))
	assert.Empty(t, pm.GrantedPermissions(m.ID))
	assert.Empty(t, pm.PendingRequests())
	assert.Empty(t, store.stored(m.ID))
}

func TestInitializeLoadsPersistedGrants(t *testing.T) {
	m := testManifest("com.example.a", plugin.PermissionNetwork)
	store := newGrantStore()
	store.grants[m.ID] = []plugin.Permission{plugin.PermissionNetwork}

	pm := NewPermissionManager(store, manifests{m.ID: m})
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork))
	require.NoError(t, pm.Initialize(context.Background()))
	assert.True(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork))
}

// Undeclared permissions can never be granted whatever sequence of
// requests, grants and denials is applied.
func TestPermissionProperties(t *testing.T) {
	all := plugin.AllPermissions()

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		declared := rapid.SliceOfNDistinct(rapid.SampledFrom(all), 0, len(all), func(p plugin.Permission) plugin.Permission { return p }).Draw(rt, "declared")
		m := testManifest("com.example.prop", declared...)

		store := newGrantStore()
		pm := NewPermissionManager(store, manifests{m.ID: m})

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 30).Draw(rt, "ops")
		for i, op := range ops {
			p := rapid.SampledFrom(all).Draw(rt, "perm")
			switch op {
			case 0:
				res := pm.RequestPermission(ctx, m.ID, p, m)
				if !m.HasPermission(p) && res.Status != StatusDenied {
					rt.Fatalf("op %d: request of undeclared %s = %v", i, p, res.Status)
				}
				if m.HasPermission(p) && !p.IsSensitive() && !res.Granted() {
					rt.Fatalf("op %d: non-sensitive %s = %v", i, p, res.Status)
				}
			case 1:
				pm.GrantPermission(ctx, m.ID, p)
				pm.GrantPermission(ctx, m.ID, p)
			case 2:
				pm.DenyPermission(ctx, m.ID, p, "")
				for _, req := range pm.PendingRequests() {
					if req.Permission == p {
						rt.Fatalf("op %d: pending request for %s survived denial", i, p)
					}
				}
			case 3:
				if err := pm.RevokePermission(ctx, m.ID, p); err != nil {
					rt.Fatal(err)
				}
				if pm.IsPermissionGranted(m.ID, p) {
					rt.Fatalf("op %d: %s granted after revoke", i, p)
				}
			}

			for _, q := range all {
				if pm.IsPermissionGranted(m.ID, q) && !m.HasPermission(q) {
					rt.Fatalf("op %d: undeclared %s granted", i, q)
				}
			}
			seen := map[plugin.Permission]bool{}
			for _, req := range pm.PendingRequests() {
				if seen[req.Permission] {
					rt.Fatalf("op %d: duplicate pending request for %s", i, req.Permission)
				}
				seen[req.Permission] = true
				if pm.IsPermissionGranted(m.ID, req.Permission) {
					rt.Fatalf("op %d: %s both pending and granted", i, req.Permission)
				}
			}
		}
	})
}

func TestResultStatusString(t *testing.T) {
	tests := []struct {
		status ResultStatus
		want   string
	}{
		{StatusGranted, "granted"},
		{StatusPending, "pending"},
		{StatusDenied, "denied"},
		{ResultStatus(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("ResultStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}
