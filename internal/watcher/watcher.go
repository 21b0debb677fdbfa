// Package watcher hands plugin packages dropped into an inbox directory to
// a handler. Bursts of writes to one file are coalesced so the handler
// sees each package once it is complete.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/stream"
)

// DefaultDelay is how long a package must be quiet before it is handled.
const DefaultDelay = 500 * time.Millisecond

// Handler processes one package. It runs on the watcher's goroutine.
type Handler func(ctx context.Context, path string) error

// Result reports the outcome of one handled package.
type Result struct {
	Path      string    `json:"path"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher watches one directory for plugin packages.
type Watcher struct {
	dir     string
	ext     string
	delay   time.Duration
	handler Handler
	logger  hclog.Logger

	fsw     *fsnotify.Watcher
	results *stream.Feed[Result]
	ready   chan string

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithExtension sets the package extension. Other files are ignored.
func WithExtension(ext string) Option {
	return func(w *Watcher) {
		w.ext = ext
	}
}

// WithDelay sets the quiet period before a package is handled.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		w.delay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates dir if needed and starts watching it. Packages already in
// dir are handled right away.
func New(dir string, handler Handler, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		dir:     dir,
		ext:     plugin.PackageExt,
		delay:   DefaultDelay,
		handler: handler,
		logger:  hclog.NewNullLogger(),
		results: stream.NewFeed[Result](16),
		ready:   make(chan string, 64),
		pending: make(map[string]*time.Timer),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.delay <= 0 {
		w.delay = DefaultDelay
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(2)
	go w.processLoop()
	go w.handleLoop()

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("cannot scan inbox", "dir", dir, "error", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(dir, e.Name()))
		}
	}

	w.logger.Debug("watching inbox", "dir", dir)
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Results returns a subscription to handler outcomes.
func (w *Watcher) Results() *stream.Subscription[Result] {
	return w.results.Subscribe()
}

// Close stops watching and waits for an in-flight handler to return.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	close(w.closeCh)
	w.mu.Unlock()

	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	w.results.Close()
	return err
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod) {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handleLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case path := <-w.ready:
			w.handle(path)
		}
	}
}

// schedule (re)starts the quiet-period timer of path.
func (w *Watcher) schedule(path string) {
	if !w.matches(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.delay)
		return
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		select {
		case w.ready <- path:
		case <-w.closeCh:
		}
	})
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), w.ext)
}

func (w *Watcher) handle(path string) {
	if _, err := os.Stat(path); err != nil {
		// Removed or renamed before it settled.
		return
	}

	err := w.handler(w.ctx, path)
	if err != nil {
		w.logger.Warn("package not installed", "path", path, "error", err)
	} else {
		w.logger.Info("package installed from inbox", "path", path)
	}
	w.results.Send(Result{Path: path, Err: err, Timestamp: time.Now()})
}
