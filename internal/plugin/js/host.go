package js

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/dshills/plughost/internal/plugin"
)

// ErrNotInitialized is returned by host methods called before the plugin
// was initialized.
var ErrNotInitialized = errors.New("plugin not initialized")

const maxResponseBody = 4 << 20

// Response is the result of host.httpGet.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// host is exposed to scripts as the global "host". Method names are
// lower-camel-cased by the field name mapper.
type host struct {
	ctx  atomic.Pointer[plugin.Context]
	call func() context.Context
}

func (h *host) context() (plugin.Context, error) {
	c := h.ctx.Load()
	if c == nil {
		return nil, ErrNotInitialized
	}
	return *c, nil
}

func (h *host) ID() (string, error) {
	c, err := h.context()
	if err != nil {
		return "", err
	}
	return c.PluginID(), nil
}

func (h *host) Log(level, msg string) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	logger := c.Logger()
	switch level {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return nil
}

func (h *host) HasPermission(name string) (bool, error) {
	c, err := h.context()
	if err != nil {
		return false, err
	}
	p, err := plugin.ParsePermission(name)
	if err != nil {
		return false, nil
	}
	return c.HasPermission(p), nil
}

func (h *host) ReadFile(name string) (string, error) {
	c, err := h.context()
	if err != nil {
		return "", err
	}
	data, err := c.ReadFile(name)
	return string(data), err
}

func (h *host) WriteFile(name, data string) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	return c.WriteFile(name, []byte(data))
}

func (h *host) RemoveFile(name string) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	return c.RemoveFile(name)
}

func (h *host) HTTPGet(url string) (*Response, error) {
	c, err := h.context()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(h.call(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Body: string(body)}, nil
}

func (h *host) PrefGet(key, def string) (string, error) {
	c, err := h.context()
	if err != nil {
		return "", err
	}
	return c.Preferences().GetString(key, def)
}

func (h *host) PrefSet(key string, value any) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	return c.Preferences().Set(key, value)
}

func (h *host) Notify(title, body string) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	return c.Notify(title, body)
}

func (h *host) ReportUsage(cpuPercent float64, memoryBytes int64) error {
	c, err := h.context()
	if err != nil {
		return err
	}
	if memoryBytes < 0 {
		memoryBytes = 0
	}
	c.ReportUsage(cpuPercent, uint64(memoryBytes))
	return nil
}
