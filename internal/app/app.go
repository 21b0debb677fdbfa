// Package app wires the plugin host together from its configuration and
// runs the background services: resource enforcement, the watchdog, update
// checks, the inbox watcher and the event feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/feed"
	"github.com/dshills/plughost/internal/marketplace"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/manager"
	"github.com/dshills/plughost/internal/plugin/metrics"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
	"github.com/dshills/plughost/internal/plugin/update"
	"github.com/dshills/plughost/internal/store"
	"github.com/dshills/plughost/internal/watcher"
)

// ShutdownTimeout bounds how long Close waits for the event feed.
const ShutdownTimeout = 5 * time.Second

// Options customizes an Application beyond its configuration.
type Options struct {
	// Logger overrides the logger built from the configuration.
	Logger hclog.Logger

	// LogOutput receives log output when no log file is configured.
	// Defaults to stderr.
	LogOutput io.Writer

	// Notify shows plugin notifications. Defaults to logging them.
	Notify security.NotifyFunc

	// OnViolation receives resource violation events.
	OnViolation resource.Callback

	// Payments charges premium purchases. Defaults to the offline processor.
	Payments billing.PaymentProcessor
}

// Application owns every host component.
type Application struct {
	Config *config.Config
	Logger hclog.Logger

	Store       *store.File
	Registry    *plugin.Registry
	Loader      *plugin.Loader
	Usage       *resource.ProcessSource
	Tracker     *resource.Tracker
	Limiter     *resource.Limiter
	Permissions *security.PermissionManager
	Security    *security.Manager
	Billing     *billing.Service
	Metrics     *metrics.Recorder
	Manager     *manager.Manager
	Feed        *feed.Hub

	// Marketplace and Updates are nil when updates are disabled.
	Marketplace *marketplace.Client
	Updates     *update.Checker

	opts      Options
	logCloser io.Closer
	notifier  *resource.Notifier

	mu      sync.Mutex
	loaded  bool
	running bool
	closed  bool
	inbox   *watcher.Watcher
}

// New creates an application from cfg. Nothing runs until Load or Start.
func New(cfg *config.Config, opts Options) (*Application, error) {
	a := &Application{Config: cfg, opts: opts, logCloser: nopCloser{}}

	if opts.Logger != nil {
		a.Logger = opts.Logger
	} else {
		logger, closer, err := NewLogger(cfg.Log, opts.LogOutput)
		if err != nil {
			return nil, &InitError{Component: "logger", Err: err}
		}
		a.Logger, a.logCloser = logger, closer
	}

	if err := a.bootstrap(); err != nil {
		a.logCloser.Close()
		return nil, err
	}
	return a, nil
}

// Load discovers installed plugins and starts the enabled ones. Load is
// done once; later calls return a nil report.
func (a *Application) Load(ctx context.Context) (*manager.LoadReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil, nil
	}
	report, err := a.Manager.LoadPlugins(ctx)
	if err != nil {
		return nil, err
	}
	a.loaded = true
	return report, nil
}

// Start loads plugins and launches the background services.
func (a *Application) Start(ctx context.Context) (*manager.LoadReport, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if a.closed {
		a.mu.Unlock()
		return nil, ErrNotRunning
	}
	a.mu.Unlock()

	report, err := a.Load(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.Limiter.Start()
	a.Manager.StartWatchdog()
	if a.Updates != nil {
		a.Updates.Start()
	}

	if dir := a.Config.Plugins.WatchDir; dir != "" {
		w, err := watcher.New(dir, a.installFromInbox,
			watcher.WithExtension(a.Config.Plugins.Extension),
			watcher.WithLogger(a.Logger.Named("inbox")),
		)
		if err != nil {
			a.stopLocked()
			return nil, &InitError{Component: "inbox watcher", Err: err}
		}
		a.inbox = w
	}

	a.forwardEvents()
	if addr := a.Config.Feed.Listen; addr != "" {
		if _, err := a.Feed.Start(addr); err != nil {
			a.stopLocked()
			return nil, &InitError{Component: "event feed", Err: err}
		}
	}

	a.running = true
	a.Logger.Info("plugin host started", "plugins", a.Registry.Size())
	return report, nil
}

// Running returns true between Start and Close.
func (a *Application) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Close stops every service and plugin. It is safe to call on an
// application that never started.
func (a *Application) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	err := a.stopLocked()
	a.Manager.Close()
	a.notifier.Close()
	a.Limiter.Close()
	a.Tracker.Stop()
	a.Security.Close()
	if a.running {
		a.Logger.Info("plugin host stopped")
	}
	a.running = false
	return errors.Join(err, a.logCloser.Close())
}

// stopLocked stops the background services started by Start.
func (a *Application) stopLocked() error {
	var errs []error
	if a.inbox != nil {
		errs = append(errs, a.inbox.Close())
		a.inbox = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	errs = append(errs, a.Feed.Close(ctx))

	if a.Updates != nil {
		a.Updates.Close()
	}
	a.Manager.StopWatchdog()
	a.Limiter.Stop()
	return errors.Join(errs...)
}

// installFromInbox installs a dropped package, or replaces the installed
// version of the same plugin, then removes it from the inbox.
func (a *Application) installFromInbox(ctx context.Context, path string) error {
	m, err := a.Manager.ValidatePackage(path)
	if err != nil {
		return err
	}
	if a.Registry.Contains(m.ID) {
		_, err = a.Manager.ReplacePlugin(ctx, path, m.ID)
	} else {
		_, err = a.Manager.InstallPlugin(ctx, path)
	}
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// handleCommand executes approval commands from feed clients.
func (a *Application) handleCommand(ctx context.Context, cmd feed.Command) error {
	if cmd.RequestID != "" {
		req, ok := a.Permissions.PendingRequest(cmd.RequestID)
		if !ok {
			return fmt.Errorf("no pending request %s", cmd.RequestID)
		}
		cmd.PluginID, cmd.Permission = req.PluginID, string(req.Permission)
	}

	switch cmd.Type {
	case feed.CommandResume:
		resumed, err := a.Manager.ResumePlugin(ctx, cmd.PluginID)
		if err != nil {
			return err
		}
		if !resumed {
			return ErrNotSuspended
		}
		return nil
	case feed.CommandGrant, feed.CommandDeny:
		p, err := plugin.ParsePermission(cmd.Permission)
		if err != nil {
			return err
		}
		var res security.Result
		if cmd.Type == feed.CommandGrant {
			res = a.Manager.GrantPermission(ctx, cmd.PluginID, p)
			if !res.Granted() {
				return fmt.Errorf("%s: %s", p, res.Reason)
			}
			return nil
		}
		a.Manager.DenyPermission(ctx, cmd.PluginID, p, cmd.Reason)
		return nil
	default:
		return feed.ErrUnknownCommand
	}
}

// snapshot is the state sent to new feed clients.
func (a *Application) snapshot() []feed.Event {
	events := []feed.Event{
		{Type: feed.TypePlugins, Data: a.Manager.Plugins()},
		{Type: feed.TypePermissionRequests, Data: a.Permissions.PendingRequests()},
	}
	if a.Updates != nil {
		events = append(events, feed.Event{Type: feed.TypeUpdates, Data: a.Updates.Notification()})
	}
	return events
}

// forwardEvents publishes component events to the feed.
func (a *Application) forwardEvents() {
	hub := a.Feed
	feed.Forward(hub, a.Manager.Subscribe(), func(infos []*plugin.Info) *feed.Event {
		return &feed.Event{Type: feed.TypePlugins, Data: infos}
	})
	feed.Forward(hub, a.Limiter.Subscribe(), func(v resource.Violation) *feed.Event {
		return &feed.Event{Type: feed.TypeViolation, PluginID: v.PluginID, Data: v, Timestamp: v.Timestamp}
	})
	feed.Forward(hub, a.Security.Terminations(), func(t security.Termination) *feed.Event {
		return &feed.Event{Type: feed.TypeTermination, PluginID: t.PluginID, Data: t, Timestamp: t.Timestamp}
	})
	feed.Forward(hub, a.Permissions.SubscribeRequests(), func(reqs []security.Request) *feed.Event {
		return &feed.Event{Type: feed.TypePermissionRequests, Data: reqs}
	})
	if a.Updates != nil {
		feed.Forward(hub, a.Updates.SubscribeAvailable(), func(av []update.Available) *feed.Event {
			return &feed.Event{Type: feed.TypeUpdates, Data: update.Notification{Count: len(av), Updates: av}}
		})
		feed.Forward(hub, a.Updates.Statuses(), func(s map[string]update.Status) *feed.Event {
			return &feed.Event{Type: feed.TypeUpdateStatus, Data: s}
		})
	}
	if a.inbox != nil {
		feed.Forward(hub, a.inbox.Results(), func(r watcher.Result) *feed.Event {
			data := map[string]string{"path": r.Path}
			if r.Err != nil {
				data["error"] = manager.UserMessage(r.Err)
			}
			return &feed.Event{Type: feed.TypeInbox, Data: data, Timestamp: r.Timestamp}
		})
	}
}
