package security

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
)

func TestCreateContextRequestsDeclaredPermissions(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.ctx", plugin.PermissionStorage, plugin.PermissionNetwork)
	mgr, _ := newTestManager(t, m)

	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)

	pm := mgr.Permissions()
	assert.True(t, pm.IsPermissionGranted(m.ID, plugin.PermissionStorage), "non-sensitive granted")
	assert.False(t, pm.IsPermissionGranted(m.ID, plugin.PermissionNetwork), "sensitive awaits approval")
	require.Len(t, pm.PendingRequests(), 1)
	assert.Equal(t, plugin.PermissionNetwork, pm.PendingRequests()[0].Permission)

	assert.Equal(t, filepath.Base(c.DataDir()), m.ID)
	sb, ok := mgr.Sandbox(m.ID)
	require.True(t, ok)
	assert.Same(t, c.Sandbox(), sb)
	assert.Equal(t, []string{m.ID}, mgr.Active())

	again, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Len(t, pm.PendingRequests(), 1)
}

func TestCreateContextRejectsMismatchedID(t *testing.T) {
	m := testManifest("com.example.a")
	mgr, _ := newTestManager(t, m)
	_, err := mgr.CreateContext(context.Background(), "com.example.b", m)
	assert.Error(t, err)
	_, err = mgr.CreateContext(context.Background(), "com.example.b", nil)
	assert.ErrorIs(t, err, plugin.ErrNilManifest)
}

func TestContextFileOperations(t *testing.T) {
	m := testManifest("com.example.files", plugin.PermissionStorage)
	mgr, _ := newTestManager(t, m)
	c, err := mgr.CreateContext(context.Background(), m.ID, m)
	require.NoError(t, err)

	require.NoError(t, c.WriteFile("state.json", []byte(`{"n":1}`)))
	data, err := c.ReadFile("state.json")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))
	require.NoError(t, c.RemoveFile("state.json"))

	assert.ErrorIs(t, c.WriteFile("../escape", []byte("x")), ErrAccessViolation)
	assert.ErrorIs(t, c.RemoveFile("."), ErrAccessViolation)

	require.NoError(t, mgr.Permissions().RevokePermission(context.Background(), m.ID, plugin.PermissionStorage))
	_, err = c.ReadFile("state.json")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestContextPreferences(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.prefs", plugin.PermissionPreferences)
	mgr, _ := newTestManager(t, m)
	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)

	prefs := c.Preferences()
	require.NoError(t, prefs.Set("theme", "dark"))
	require.NoError(t, prefs.Set("size", 14))
	require.NoError(t, prefs.Set("bold", true))

	s, err := prefs.GetString("theme", "")
	require.NoError(t, err)
	assert.Equal(t, "dark", s)
	n, err := prefs.GetInt("size", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(14), n)
	b, err := prefs.GetBool("bold", false)
	require.NoError(t, err)
	assert.True(t, b)
	def, err := prefs.GetString("missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", def)

	keys, err := prefs.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"bold", "size", "theme"}, keys)

	require.NoError(t, prefs.Delete("bold"))
	require.NoError(t, prefs.Delete("bold"))
	assert.ErrorIs(t, prefs.Set("a.b", 1), ErrInvalidKey)

	// Preferences live outside the data directory.
	fp := prefs.(*FilePreferences)
	assert.False(t, isWithinPath(fp.Path(), c.DataDir()))

	require.NoError(t, mgr.Permissions().RevokePermission(ctx, m.ID, plugin.PermissionPreferences))
	_, err = c.Preferences().GetString("theme", "")
	assert.ErrorIs(t, err, ErrPreferencesDenied)
	assert.ErrorIs(t, c.Preferences().Set("theme", "light"), ErrPreferencesDenied)
}

func TestContextNotify(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.notify", plugin.PermissionNotifications)
	other := testManifest("com.example.silent")
	mgr, _ := newTestManager(t, m, other)

	var got []string
	mgr.notify = func(id, title, body string) error {
		got = append(got, id+":"+title+":"+body)
		return nil
	}

	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)
	require.NoError(t, c.Notify("Done", "all good"))
	assert.Equal(t, []string{"com.example.notify:Done:all good"}, got)

	silent, err := mgr.CreateContext(ctx, other.ID, other)
	require.NoError(t, err)
	assert.ErrorIs(t, silent.Notify("x", "y"), ErrPermissionDenied)
}

func TestContextHTTPClientCountsTraffic(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello world")
	}))
	defer srv.Close()

	m := testManifest("com.example.http", plugin.PermissionNetwork)
	mgr, src := newTestManager(t, m)
	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)

	_, err = c.HTTPClient().Get(srv.URL)
	assert.ErrorIs(t, err, ErrPermissionDenied, "network pending approval")

	require.True(t, mgr.Permissions().GrantPermission(ctx, m.ID, plugin.PermissionNetwork).Granted())
	resp, err := c.HTTPClient().Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "hello world", string(body))

	assert.Equal(t, uint64(len(body)), c.Transferred())
	u, err := src.Sample(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(body)), u.NetworkBytes)

	var urlErr *url.Error
	_, err = c.HTTPClient().Get("ftp://example.com/")
	assert.True(t, errors.As(err, &urlErr))
}

func TestReportUsageFeedsTracker(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.usage")
	mgr, _ := newTestManager(t, m)
	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)

	c.ReportUsage(12.5, 512)
	mgr.tracker.SampleOnce(ctx)

	u, ok := mgr.ResourceUsage(m.ID)
	require.True(t, ok)
	assert.Equal(t, 12.5, u.CPUPercent)
	assert.Equal(t, uint64(512), u.MemoryBytes)
}

func TestLimitsForAppliesOverrides(t *testing.T) {
	m := testManifest("com.example.big")
	mgr, _ := newTestManager(t, m)
	mgr.cfg.LimitOverrides = map[string]resource.Limits{m.ID: {MaxMemoryBytes: 4096}}

	l := mgr.LimitsFor(m.ID)
	assert.Equal(t, uint64(4096), l.MaxMemoryBytes)
	assert.Equal(t, 50.0, l.MaxCPUPercent)
	assert.Equal(t, uint64(1000), mgr.LimitsFor("other").MaxMemoryBytes)
}

func TestTerminatePlugin(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.hog")
	mgr, _ := newTestManager(t, m)
	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)

	sub := mgr.Terminations()
	defer sub.Unsubscribe()

	c.ReportUsage(90, 5000)
	mgr.tracker.SampleOnce(ctx)
	mgr.limiter.Enforce(ctx)
	assert.Equal(t, resource.StateSuspended, mgr.limiter.State(m.ID))
	assert.Equal(t, []string{m.ID}, mgr.PluginsExceedingLimits())

	term := mgr.TerminatePlugin(m.ID, "limit exceeded")
	assert.Equal(t, resource.StateSuspended, term.State)
	assert.Equal(t, uint64(5000), term.Usage.MemoryBytes)

	select {
	case got := <-sub.C:
		assert.Equal(t, m.ID, got.PluginID)
		assert.Equal(t, "limit exceeded", got.Reason)
	case <-time.After(time.Second):
		t.Fatal("termination not published")
	}

	_, ok := mgr.Sandbox(m.ID)
	assert.False(t, ok)
	_, ok = mgr.ResourceUsage(m.ID)
	assert.False(t, ok)
	assert.Empty(t, mgr.PluginsExceedingLimits())

	// Teardown is idempotent.
	mgr.CleanupPlugin(m.ID)
	mgr.TerminatePlugin(m.ID, "again")
}

func TestRemovePluginData(t *testing.T) {
	ctx := context.Background()
	m := testManifest("com.example.data", plugin.PermissionStorage, plugin.PermissionPreferences)
	mgr, _ := newTestManager(t, m)
	c, err := mgr.CreateContext(ctx, m.ID, m)
	require.NoError(t, err)
	require.NoError(t, c.WriteFile("f", []byte("x")))
	require.NoError(t, c.Preferences().Set("k", "v"))

	mgr.CleanupPlugin(m.ID)
	require.NoError(t, mgr.RemovePluginData(m.ID))
	_, err = os.Stat(c.DataDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(c.Preferences().(*FilePreferences).Path())
	assert.True(t, os.IsNotExist(err))
}
