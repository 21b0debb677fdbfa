package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "package-bytes-0123456789"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/com.test.a/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"version":"1.2.0","versionCode":3,"changelog":"fixes","downloadUrl":"/files/a-3.plugin","releaseDate":"2026-03-01T10:00:00Z","checksum":"abc"}`)
	})
	mux.HandleFunc("/plugins/com.test.a/versions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"versions":[
			{"version":"1.0.0","versionCode":1,"downloadUrl":"/files/a-1.plugin","releaseDate":1767225600000},
			{"version":"1.2.0","versionCode":3,"downloadUrl":"/files/a-3.plugin"}]}`)
	})
	mux.HandleFunc("/plugins/com.test.bad/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"versionCode":`)
	})
	mux.HandleFunc("/files/a-3.plugin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		fmt.Fprint(w, payload)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLatestVersion(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, WithToken("secret"))

	r, err := c.LatestVersion(context.Background(), "com.test.a")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", r.Version)
	assert.Equal(t, 3, r.VersionCode)
	assert.Equal(t, "fixes", r.Changelog)
	assert.Equal(t, "abc", r.Checksum)
	assert.True(t, r.ReleaseDate.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))

	_, err = New(srv.URL).LatestVersion(context.Background(), "com.test.a")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestLatestVersionErrors(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL)

	_, err := c.LatestVersion(context.Background(), "com.test.missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.LatestVersion(context.Background(), "com.test.bad")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestVersions(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL)

	releases, err := c.Versions(context.Background(), "com.test.a")
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, 1, releases[0].VersionCode)
	assert.Equal(t, int64(1767225600000), releases[0].ReleaseDate.UnixMilli())

	u, err := c.VersionDownloadURL(context.Background(), "com.test.a", 1)
	require.NoError(t, err)
	assert.Equal(t, "/files/a-1.plugin", u)

	_, err = c.VersionDownloadURL(context.Background(), "com.test.a", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownload(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL)
	dest := filepath.Join(t.TempDir(), "a.plugin")

	var reports []int
	err := c.Download(context.Background(), "/files/a-3.plugin", dest, func(p int) {
		reports = append(reports, p)
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	require.NotEmpty(t, reports)
	assert.Equal(t, 100, reports[len(reports)-1])

	err = c.Download(context.Background(), srv.URL+"/files/missing.plugin", dest+".2", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoFileExists(t, dest+".2")
}

func TestResolve(t *testing.T) {
	c := New("https://market.test/api/")
	tests := []struct {
		in, want string
	}{
		{"https://cdn.test/x.plugin", "https://cdn.test/x.plugin"},
		{"files/x.plugin", "https://market.test/api/files/x.plugin"},
		{"/files/x.plugin", "https://market.test/files/x.plugin"},
	}
	for _, tt := range tests {
		if got := c.resolve(tt.in); got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	assert.False(t, strings.HasSuffix(c.base, "/"))
}
