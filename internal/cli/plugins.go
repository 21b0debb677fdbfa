package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/manager"
	"github.com/dshills/plughost/internal/plugin/metrics"
	"github.com/dshills/plughost/internal/plugin/resource"
)

// pluginView is the listing shape of an installed plugin.
type pluginView struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Version     string              `json:"version" yaml:"version"`
	Type        plugin.Type         `json:"type" yaml:"type"`
	Status      plugin.Status       `json:"status" yaml:"status"`
	Enforcement string              `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
	Permissions []plugin.Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Granted     []plugin.Permission `json:"granted,omitempty" yaml:"granted,omitempty"`
	InstalledAt time.Time           `json:"installedAt" yaml:"installed_at"`
	UpdatedAt   time.Time           `json:"updatedAt" yaml:"updated_at"`
}

func newPluginView(a *app.Application, info *plugin.Info) pluginView {
	v := pluginView{
		ID:          info.ID,
		Status:      info.Status,
		Granted:     a.Permissions.GrantedPermissions(info.ID),
		InstalledAt: info.InstalledAt,
		UpdatedAt:   info.UpdatedAt,
	}
	if m := info.Manifest; m != nil {
		v.Name, v.Version, v.Type, v.Permissions = m.Name, m.Version, m.Type, m.Permissions
	}
	if state := a.Limiter.State(info.ID); state != resource.StateNormal {
		v.Enforcement = state.String()
	}
	return v
}

func newListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed plugins",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				infos, err := a.Registry.GetAll(ctx)
				if err != nil {
					return err
				}
				views := make([]pluginView, 0, len(infos))
				for _, info := range infos {
					views = append(views, newPluginView(a, info))
				}
				return flags.printer(cmd.OutOrStdout()).print(views, func(w io.Writer) {
					printPluginTable(w, views)
				})
			})
		},
	}
}

func printPluginTable(w io.Writer, views []pluginView) {
	if len(views) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No plugins installed."))
		return
	}
	tw := newTable(w, "ID", "NAME", "VERSION", "TYPE", "STATUS")
	for _, v := range views {
		status := string(v.Status)
		if v.Enforcement != "" {
			status += " (" + strings.ToLower(v.Enforcement) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Version, v.Type, statusStyle(v.Status).Render(status))
	}
	tw.Flush()
}

// infoView is the detail shape of one plugin.
type infoView struct {
	pluginView `yaml:",inline"`

	Description string              `json:"description" yaml:"description"`
	Author      string              `json:"author" yaml:"author"`
	Runtime     string              `json:"runtime" yaml:"runtime"`
	DataDir     string              `json:"dataDir" yaml:"data_dir"`
	Limits      resource.Limits     `json:"limits" yaml:"limits"`
	Usage       *resource.Usage     `json:"usage,omitempty" yaml:"usage,omitempty"`
	Performance metrics.Snapshot    `json:"performance" yaml:"performance"`
	Pending     []pendingPermission `json:"pending,omitempty" yaml:"pending,omitempty"`
}

type pendingPermission struct {
	RequestID  string            `json:"requestId" yaml:"request_id"`
	Permission plugin.Permission `json:"permission" yaml:"permission"`
}

func newInfoCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info <plugin-id>",
		Short: "Show details of an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				info, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return userError(err)
				}
				v := infoView{
					pluginView:  newPluginView(a, info),
					DataDir:     a.Security.DataDir(info.ID),
					Limits:      a.Security.LimitsFor(info.ID),
					Performance: a.Manager.PerformanceMetrics(info.ID),
				}
				if m := info.Manifest; m != nil {
					v.Description, v.Author, v.Runtime = m.Description, m.Author.Name, m.Runtime
				}
				if u, ok := a.Manager.PluginResourceUsage(info.ID); ok {
					v.Usage = &u
				}
				for _, req := range a.Permissions.PendingRequests() {
					if req.PluginID == info.ID {
						v.Pending = append(v.Pending, pendingPermission{RequestID: req.ID, Permission: req.Permission})
					}
				}
				return flags.printer(cmd.OutOrStdout()).print(v, func(w io.Writer) {
					printInfo(w, v)
				})
			})
		},
	}
}

func printInfo(w io.Writer, v infoView) {
	fmt.Fprintln(w, titleStyle.Render(v.Name)+" "+mutedStyle.Render(v.ID+" "+v.Version))
	if v.Description != "" {
		fmt.Fprintln(w, v.Description)
	}
	fmt.Fprintln(w)

	tw := newTable(w, "FIELD", "VALUE")
	fmt.Fprintf(tw, "Status\t%s\n", statusStyle(v.Status).Render(string(v.Status)))
	if v.Enforcement != "" {
		fmt.Fprintf(tw, "Enforcement\t%s\n", warnStyle.Render(v.Enforcement))
	}
	fmt.Fprintf(tw, "Type\t%s\n", v.Type)
	fmt.Fprintf(tw, "Runtime\t%s\n", v.Runtime)
	fmt.Fprintf(tw, "Author\t%s\n", v.Author)
	fmt.Fprintf(tw, "Data\t%s\n", v.DataDir)
	fmt.Fprintf(tw, "Limits\t%s\n", v.Limits)
	if v.Usage != nil {
		fmt.Fprintf(tw, "Usage\tcpu=%.1f%% memory=%s network=%s\n",
			v.Usage.CPUPercent, resource.FormatBytes(v.Usage.MemoryBytes), resource.FormatBytes(v.Usage.NetworkBytes))
	}
	if v.Performance.Operations > 0 {
		fmt.Fprintf(tw, "Operations\t%d (%d errors, avg %s)\n",
			v.Performance.Operations, v.Performance.Errors, v.Performance.AvgOperation)
	}
	tw.Flush()

	fmt.Fprintln(w)
	printPermissionTable(w, v.Permissions, v.Granted)
	for _, p := range v.Pending {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Awaiting approval: %s (request %s)", p.Permission, p.RequestID)))
	}
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <package>",
		Short: "Check a plugin package without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.Manager.ValidatePackage(args[0])
			if err != nil {
				return userError(err)
			}
			return flags.printer(cmd.OutOrStdout()).print(m, func(w io.Writer) {
				fmt.Fprintln(w, successStyle.Render("Package is valid: ")+fmt.Sprintf("%s %s (%s)", m.ID, m.Version, m.Type))
				printPermissionTable(w, m.Permissions, nil)
			})
		},
	}
}

func newInstallCommand(flags *globalFlags) *cobra.Command {
	var enable bool
	cmd := &cobra.Command{
		Use:   "install <package>",
		Short: "Install a plugin package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				info, err := a.Manager.InstallPlugin(ctx, args[0])
				if err != nil {
					return userError(err)
				}
				if enable {
					if err := a.Manager.EnablePlugin(ctx, info.ID); err != nil {
						return userError(err)
					}
					info, _ = a.Store.Get(ctx, info.ID)
				}
				p := flags.printer(cmd.OutOrStdout())
				p.message("Installed %s %s", info.ID, info.Manifest.Version)
				for _, req := range a.Permissions.PendingRequests() {
					if req.PluginID == info.ID {
						p.message("Permission %s awaits approval: plughost permissions grant %s %s", req.Permission, info.ID, req.Permission)
					}
				}
				if p.format == formatTable {
					return nil
				}
				return p.print(newPluginView(a, info), nil)
			})
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the plugin after installing")
	return cmd
}

// simpleCommand builds a command that runs op on one plugin id.
func simpleCommand(flags *globalFlags, use, short, done string, op func(ctx context.Context, a *app.Application, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if err := op(ctx, a, args[0]); err != nil {
					return userError(err)
				}
				flags.printer(cmd.OutOrStdout()).message("%s %s", done, args[0])
				return nil
			})
		},
	}
}

func newUninstallCommand(flags *globalFlags) *cobra.Command {
	return simpleCommand(flags, "uninstall", "Remove a plugin and its data", "Uninstalled",
		func(ctx context.Context, a *app.Application, id string) error {
			return a.Manager.UninstallPlugin(ctx, id)
		})
}

func newEnableCommand(flags *globalFlags) *cobra.Command {
	return simpleCommand(flags, "enable", "Enable a plugin", "Enabled",
		func(ctx context.Context, a *app.Application, id string) error {
			return a.Manager.EnablePlugin(ctx, id)
		})
}

func newDisableCommand(flags *globalFlags) *cobra.Command {
	return simpleCommand(flags, "disable", "Disable a plugin", "Disabled",
		func(ctx context.Context, a *app.Application, id string) error {
			return a.Manager.DisablePlugin(ctx, id)
		})
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	return simpleCommand(flags, "resume", "Lift throttling or suspension of a plugin", "Resumed",
		func(ctx context.Context, a *app.Application, id string) error {
			resumed, err := a.Manager.ResumePlugin(ctx, id)
			if err != nil {
				return err
			}
			if !resumed {
				return app.ErrNotSuspended
			}
			return nil
		})
}

// userError replaces err with its user-facing message.
func userError(err error) error {
	return errors.New(manager.UserMessage(err))
}
