// Package marketplace is the HTTP client of the plugin marketplace. It
// implements update.MarketplaceClient.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"

	"github.com/dshills/plughost/internal/plugin/update"
)

// Marketplace errors.
var (
	// ErrNotFound is returned for plugins or versions the marketplace does
	// not know.
	ErrNotFound = errors.New("not found in marketplace")

	// ErrBadResponse is returned for responses that cannot be understood.
	ErrBadResponse = errors.New("unexpected marketplace response")
)

// DefaultTimeout bounds metadata requests. Downloads are bounded only by
// the caller's context.
const DefaultTimeout = 30 * time.Second

// maxMetadataSize bounds metadata response bodies.
const maxMetadataSize = 4 << 20

// Client talks to a marketplace at a base URL:
//
//	GET {base}/plugins/{id}/latest    latest release object
//	GET {base}/plugins/{id}/versions  {"versions": [release, ...]}
//
// A release object carries version, versionCode, changelog, downloadUrl,
// releaseDate (RFC 3339 or Unix milliseconds) and an optional checksum.
type Client struct {
	base      string
	token     string
	userAgent string
	http      *http.Client
	logger    hclog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the marketplace at base.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimRight(base, "/"),
		userAgent: "plughost",
		http:      &http.Client{},
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LatestVersion returns the newest release of a plugin.
func (c *Client) LatestVersion(ctx context.Context, pluginID string) (update.Release, error) {
	body, err := c.getJSON(ctx, "/plugins/"+url.PathEscape(pluginID)+"/latest")
	if err != nil {
		return update.Release{}, fmt.Errorf("latest version of %s: %w", pluginID, err)
	}
	r, err := parseRelease(gjson.ParseBytes(body))
	if err != nil {
		return update.Release{}, fmt.Errorf("latest version of %s: %w", pluginID, err)
	}
	return r, nil
}

// Versions returns every published release of a plugin, oldest first.
func (c *Client) Versions(ctx context.Context, pluginID string) ([]update.Release, error) {
	body, err := c.getJSON(ctx, "/plugins/"+url.PathEscape(pluginID)+"/versions")
	if err != nil {
		return nil, fmt.Errorf("versions of %s: %w", pluginID, err)
	}
	list := gjson.GetBytes(body, "versions")
	if !list.IsArray() {
		return nil, fmt.Errorf("versions of %s: %w: no versions array", pluginID, ErrBadResponse)
	}

	var releases []update.Release
	for _, item := range list.Array() {
		r, err := parseRelease(item)
		if err != nil {
			return nil, fmt.Errorf("versions of %s: %w", pluginID, err)
		}
		releases = append(releases, r)
	}
	return releases, nil
}

// VersionDownloadURL returns the download location of one release.
func (c *Client) VersionDownloadURL(ctx context.Context, pluginID string, versionCode int) (string, error) {
	releases, err := c.Versions(ctx, pluginID)
	if err != nil {
		return "", err
	}
	for _, r := range releases {
		if r.VersionCode == versionCode {
			return r.DownloadURL, nil
		}
	}
	return "", fmt.Errorf("%w: %s version code %d", ErrNotFound, pluginID, versionCode)
}

// Download streams a package to dest, reporting progress when the server
// announces the size. dest is written atomically.
func (c *Client) Download(ctx context.Context, rawURL, dest string, progress update.ProgressFunc) error {
	req, err := c.newRequest(ctx, c.resolve(rawURL))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var src io.Reader = resp.Body
	if progress != nil && resp.ContentLength > 0 {
		src = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress, last: -1}
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if progress != nil {
		progress(100)
	}
	c.logger.Debug("package downloaded", "url", rawURL, "bytes", n)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, c.base+path)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrBadResponse)
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// resolve makes a relative download URL absolute against the base.
func (c *Client) resolve(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.base + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	return nil
}

func parseRelease(v gjson.Result) (update.Release, error) {
	if !v.IsObject() {
		return update.Release{}, fmt.Errorf("%w: release is not an object", ErrBadResponse)
	}
	r := update.Release{
		Version:     v.Get("version").String(),
		VersionCode: int(v.Get("versionCode").Int()),
		Changelog:   v.Get("changelog").String(),
		DownloadURL: v.Get("downloadUrl").String(),
		Checksum:    v.Get("checksum").String(),
	}
	if r.Version == "" || r.DownloadURL == "" {
		return update.Release{}, fmt.Errorf("%w: release without version or downloadUrl", ErrBadResponse)
	}

	switch date := v.Get("releaseDate"); date.Type {
	case gjson.Number:
		r.ReleaseDate = time.UnixMilli(date.Int()).UTC()
	case gjson.String:
		t, err := time.Parse(time.RFC3339, date.String())
		if err != nil {
			return update.Release{}, fmt.Errorf("%w: release date: %v", ErrBadResponse, err)
		}
		r.ReleaseDate = t
	}
	return r, nil
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	last   int
	report update.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if pct := int(p.read * 100 / p.total); pct != p.last && pct < 100 {
		p.last = pct
		p.report(pct)
	}
	return n, err
}

var _ update.MarketplaceClient = (*Client)(nil)
