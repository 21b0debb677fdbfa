package app

import (
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/feed"
	"github.com/dshills/plughost/internal/marketplace"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/js"
	"github.com/dshills/plughost/internal/plugin/lua"
	"github.com/dshills/plughost/internal/plugin/manager"
	"github.com/dshills/plughost/internal/plugin/metrics"
	"github.com/dshills/plughost/internal/plugin/native"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
	"github.com/dshills/plughost/internal/plugin/update"
	"github.com/dshills/plughost/internal/store"
)

// bootstrap creates every component in dependency order. Nothing is
// started; see Start.
func (a *Application) bootstrap() error {
	cfg := a.Config
	log := a.Logger

	// 1. Directories and state.
	for _, dir := range []string{cfg.Plugins.Dir, cfg.Host.DataDir, cfg.PluginDataDir(), cfg.PrefsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &InitError{Component: "directories", Err: err}
		}
	}
	db, err := store.OpenFile(cfg.StatePath())
	if err != nil {
		return &InitError{Component: "store", Err: err}
	}
	a.Store = db
	a.Registry = plugin.NewRegistry(db)

	// 2. Resource governance.
	defaults := cfg.Resources.Defaults.Resource()
	a.Usage = resource.NewProcessSource(resource.NewReportingSource(
		resource.WithNetworkWindow(defaults.NetworkWindow),
	))
	a.Tracker = resource.NewTracker(a.Usage,
		resource.WithSampleInterval(cfg.Resources.SampleInterval.Std()),
		resource.WithHistorySize(cfg.Resources.HistorySize),
		resource.WithTrackerLogger(log.Named("tracker")),
	)
	a.Limiter = resource.NewLimiter(a.Tracker,
		resource.WithEnforceInterval(cfg.Resources.EnforceInterval.Std()),
		resource.WithThrottleDelay(cfg.Resources.ThrottleDelay.Std()),
		resource.WithLimiterLogger(log.Named("limiter")),
	)
	a.notifier = resource.NewNotifier(a.Limiter, a.opts.OnViolation, log.Named("violations"))

	// 3. Security.
	a.Permissions = security.NewPermissionManager(db, a.Registry,
		security.WithPermissionLogger(log.Named("permissions")),
	)
	notify := a.opts.Notify
	if notify == nil {
		notify = logNotification(log.Named("notify"))
	}
	a.Security = security.NewManager(security.Config{
		DataDir:        cfg.PluginDataDir(),
		PrefsDir:       cfg.PrefsDir(),
		Network:        cfg.Network.Policy(),
		DefaultLimits:  defaults,
		LimitOverrides: cfg.Resources.OverrideLimits(),
		Operations: security.OperationLimits{
			FileOpsPerSecond:  cfg.Resources.FileOpsPerSecond,
			RequestsPerSecond: cfg.Resources.RequestsPerSecond,
		},
	}, a.Permissions, a.Tracker, a.Limiter,
		security.WithNotifyFunc(notify),
		security.WithManagerLogger(log.Named("security")),
	)

	// 4. Loading.
	timeout := cfg.Plugins.CallTimeout.Std()
	a.Loader = plugin.NewLoader(cfg.Plugins.Dir,
		plugin.NewValidator(cfg.Host.Version, cfg.Host.Platform),
		plugin.WithExtension(cfg.Plugins.Extension),
		plugin.WithRuntime(plugin.RuntimeLua, lua.NewRuntime(
			lua.WithTimeout(timeout), lua.WithLogger(log.Named("lua")))),
		plugin.WithRuntime(plugin.RuntimeJS, js.NewRuntime(
			js.WithTimeout(timeout), js.WithLogger(log.Named("js")))),
		plugin.WithRuntime(plugin.RuntimeNative, native.NewRuntime(cfg.NativeDir(),
			native.WithCallTimeout(timeout),
			native.WithLogger(log.Named("native")),
			native.WithProcessAttacher(a.Usage))),
		plugin.WithLoaderLogger(log.Named("loader")),
	)

	// 5. Lifecycle.
	payments := a.opts.Payments
	if payments == nil {
		payments = billing.OfflineProcessor()
	}
	a.Billing = billing.NewService(payments, db, db, billing.WithLogger(log.Named("billing")))
	a.Metrics = metrics.NewRecorder()
	a.Manager = manager.New(manager.Config{
		Loader:   a.Loader,
		Registry: a.Registry,
		Database: db,
		Security: a.Security,
		Limiter:  a.Limiter,
	},
		manager.WithPurchaseChecker(a.Billing),
		manager.WithMetrics(a.Metrics),
		manager.WithLogger(log.Named("manager")),
		manager.WithWatchdogInterval(cfg.Resources.WatchdogInterval.Std()),
	)

	// 6. Updates.
	if cfg.Updates.Enabled && cfg.Updates.MarketplaceURL != "" {
		a.Marketplace = marketplace.New(cfg.Updates.MarketplaceURL,
			marketplace.WithToken(cfg.Updates.MarketplaceToken),
			marketplace.WithUserAgent(LoggerName+"/"+cfg.Host.Version),
			marketplace.WithLogger(log.Named("marketplace")),
		)
		a.Updates = update.NewChecker(db, a.Manager, a.Marketplace, db,
			update.WithInterval(cfg.Updates.Interval.Std()),
			update.WithAutoUpdate(cfg.Updates.AutoUpdate),
			update.WithDownloadDir(cfg.DownloadDir()),
			update.WithLogger(log.Named("updates")),
		)
	}

	// 7. Event feed.
	a.Feed = feed.NewHub(
		feed.WithCommandHandler(a.handleCommand),
		feed.WithSnapshot(a.snapshot),
		feed.WithLogger(log.Named("feed")),
	)
	return nil
}

func logNotification(logger hclog.Logger) security.NotifyFunc {
	return func(pluginID, title, body string) error {
		logger.Info(title, "plugin", pluginID, "body", body)
		return nil
	}
}
