// Package cli implements the plughost command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/config"
)

// globalFlags are shared by every command.
type globalFlags struct {
	ConfigPath string
	Output     string
	LogLevel   string
}

// NewRootCommand creates the plughost command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "plughost",
		Short: "Plugin host with sandboxing and resource governance",
		Long: `plughost installs, runs and governs third-party plugins.

Plugins declare permissions in their manifest; sensitive permissions need
approval before they take effect. Every plugin runs in a private sandbox
and is throttled, suspended or terminated when it exceeds its resource
limits.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", config.DefaultPath(), "Path to configuration file")
	pf.StringVarP(&flags.Output, "output", "o", "table", "Output format: table, json or yaml")
	pf.StringVar(&flags.LogLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newServeCommand(flags),
		newListCommand(flags),
		newInfoCommand(flags),
		newValidateCommand(flags),
		newInstallCommand(flags),
		newUninstallCommand(flags),
		newEnableCommand(flags),
		newDisableCommand(flags),
		newResumeCommand(flags),
		newPermissionsCommand(flags),
		newPurchaseCommand(flags),
		newUpdatesCommand(flags),
		newConfigCommand(flags),
	)
	return rootCmd
}

// loadConfig reads the configuration and applies flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	return cfg, nil
}

// openApp creates the application for a one-shot command. Logs go to
// stderr at warn level unless configured otherwise, keeping stdout for
// command output.
func (f *globalFlags) openApp(cmd *cobra.Command) (*app.Application, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	if f.LogLevel == "" && app.ParseLevel(cfg.Log.Level) < hclog.Warn {
		cfg.Log.Level = "warn"
	}
	return app.New(cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
}

// withApp runs fn against a loaded application and closes it afterwards.
func (f *globalFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	a, err := f.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := a.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func (f *globalFlags) printer(w io.Writer) *printer {
	return &printer{w: w, format: f.Output}
}
