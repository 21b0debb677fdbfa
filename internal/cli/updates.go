package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/plugin/update"
)

func newUpdatesCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Check for, apply and roll back plugin updates",
		Example: `  plughost updates check
  plughost updates apply com.example.sync
  plughost updates rollback com.example.sync 3
  plughost updates history`,
	}
	cmd.AddCommand(
		newUpdatesCheckCommand(flags),
		newUpdatesApplyCommand(flags),
		newUpdatesRollbackCommand(flags),
		newUpdatesHistoryCommand(flags),
	)
	return cmd
}

// withUpdates is withApp for commands that need the update checker.
func withUpdates(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app.Application, c *update.Checker) error) error {
	return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
		if a.Updates == nil {
			return fmt.Errorf("%w: set updates.marketplace_url in %s", app.ErrUpdatesDisabled, flags.ConfigPath)
		}
		return fn(ctx, a, a.Updates)
	})
}

func newUpdatesCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "List plugins with a newer release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withUpdates(cmd, flags, func(ctx context.Context, _ *app.Application, c *update.Checker) error {
				available, err := c.CheckForUpdates(ctx)
				if err != nil {
					return userError(err)
				}
				if available == nil {
					available = []update.Available{}
				}
				return flags.printer(cmd.OutOrStdout()).print(available, func(w io.Writer) {
					if len(available) == 0 {
						fmt.Fprintln(w, mutedStyle.Render("All plugins are up to date."))
						return
					}
					tw := newTable(w, "PLUGIN", "CURRENT", "LATEST", "RELEASED")
					for _, u := range available {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.PluginID, u.CurrentVersion,
							successStyle.Render(u.Latest.Version), u.Latest.ReleaseDate.Format("2006-01-02"))
					}
					tw.Flush()
				})
			})
		},
	}
}

func newUpdatesApplyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <plugin-id>",
		Short: "Download and install the latest release of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUpdates(cmd, flags, func(ctx context.Context, _ *app.Application, c *update.Checker) error {
				if _, err := c.CheckForUpdates(ctx); err != nil {
					return userError(err)
				}
				if err := c.UpdatePlugin(ctx, args[0]); err != nil {
					return userError(err)
				}
				flags.printer(cmd.OutOrStdout()).message("Updated %s", args[0])
				return nil
			})
		},
	}
}

func newUpdatesRollbackCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <plugin-id> <version-code>",
		Short: "Reinstall a version the plugin had before",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version code %q is not a number", args[1])
			}
			return withUpdates(cmd, flags, func(ctx context.Context, _ *app.Application, c *update.Checker) error {
				if err := c.Rollback(ctx, args[0], code); err != nil {
					return userError(err)
				}
				flags.printer(cmd.OutOrStdout()).message("Rolled %s back to version code %d", args[0], code)
				return nil
			})
		},
	}
}

func newUpdatesHistoryCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history [plugin-id]",
		Short: "Show update attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// History is local, so it does not need a marketplace.
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				var (
					records []update.Record
					err     error
				)
				if len(args) == 1 {
					records, err = a.Store.History(ctx, args[0])
				} else {
					records, err = a.Store.AllHistory(ctx)
				}
				if err != nil {
					return err
				}
				if records == nil {
					records = []update.Record{}
				}
				return flags.printer(cmd.OutOrStdout()).print(records, func(w io.Writer) {
					printHistory(w, records)
				})
			})
		},
	}
}

func printHistory(w io.Writer, records []update.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No updates recorded."))
		return
	}
	tw := newTable(w, "TIME", "PLUGIN", "FROM", "TO", "RESULT")
	for _, r := range records {
		result := successStyle.Render("ok")
		if !r.Success {
			result = errorStyle.Render("failed: " + r.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format("2006-01-02 15:04"), r.PluginID, r.FromVersion, r.ToVersion, result)
	}
	tw.Flush()
}
