package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/plugin"
)

// permissionView describes one declared permission of a plugin.
type permissionView struct {
	Permission  plugin.Permission `json:"permission" yaml:"permission"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Risk        string            `json:"risk" yaml:"risk"`
	Sensitive   bool              `json:"sensitive" yaml:"sensitive"`
	Granted     bool              `json:"granted" yaml:"granted"`
}

func permissionViews(declared, granted []plugin.Permission) []permissionView {
	views := make([]permissionView, 0, len(declared))
	for _, p := range declared {
		views = append(views, permissionView{
			Permission:  p,
			Name:        p.DisplayName(),
			Description: p.Description(),
			Risk:        p.RiskLevel().String(),
			Sensitive:   p.IsSensitive(),
			Granted:     slices.Contains(granted, p),
		})
	}
	return views
}

// printPermissionTable lists declared permissions. A nil granted list
// omits the granted column.
func printPermissionTable(w io.Writer, declared, granted []plugin.Permission) {
	if len(declared) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No permissions declared."))
		return
	}
	headers := []string{"PERMISSION", "RISK", "DESCRIPTION"}
	if granted != nil {
		headers = append(headers, "GRANTED")
	}
	tw := newTable(w, headers...)
	for _, v := range permissionViews(declared, granted) {
		row := fmt.Sprintf("%s\t%s\t%s", v.Permission, riskStyle(v.Permission.RiskLevel()).Render(v.Risk), v.Description)
		if granted != nil {
			mark := mutedStyle.Render("no")
			if v.Granted {
				mark = successStyle.Render("yes")
			}
			row += "\t" + mark
		}
		fmt.Fprintln(tw, row)
	}
	tw.Flush()
}

func newPermissionsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions <plugin-id>",
		Short: "Show and manage plugin permissions",
		Long: `Show the permissions a plugin declares and which of them are granted.

A permission takes effect only when it is both declared in the plugin's
manifest and granted. Non-sensitive permissions are granted when the
plugin starts; sensitive ones need approval with "permissions grant".`,
		Example: `  plughost permissions com.example.sync
  plughost permissions grant com.example.sync network
  plughost permissions revoke com.example.sync network`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				m, ok := a.Registry.Manifest(args[0])
				if !ok {
					return userError(fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, args[0]))
				}
				granted := a.Permissions.GrantedPermissions(m.ID)
				if granted == nil {
					granted = []plugin.Permission{}
				}
				return flags.printer(cmd.OutOrStdout()).print(permissionViews(m.Permissions, granted), func(w io.Writer) {
					printPermissionTable(w, m.Permissions, granted)
				})
			})
		},
	}
	cmd.AddCommand(newGrantCommand(flags), newRevokeCommand(flags))
	return cmd
}

func newGrantCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <plugin-id> <permission>",
		Short: "Grant a declared permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plugin.ParsePermission(args[1])
			if err != nil {
				return err
			}
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				res := a.Manager.GrantPermission(ctx, args[0], p)
				if res.Err != nil {
					return userError(res.Err)
				}
				if !res.Granted() {
					return errors.New("cannot grant " + string(p) + ": " + res.Reason)
				}
				flags.printer(cmd.OutOrStdout()).message("Granted %s to %s", p, args[0])
				return nil
			})
		},
	}
}

func newRevokeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <plugin-id> <permission>",
		Short: "Revoke a granted permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plugin.ParsePermission(args[1])
			if err != nil {
				return err
			}
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if err := a.Manager.RevokePermission(ctx, args[0], p); err != nil {
					return userError(err)
				}
				flags.printer(cmd.OutOrStdout()).message("Revoked %s from %s", p, args[0])
				return nil
			})
		},
	}
}
