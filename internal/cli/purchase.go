package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
)

func newPurchaseCommand(flags *globalFlags) *cobra.Command {
	var feature string
	var trial bool
	cmd := &cobra.Command{
		Use:   "purchase <package>",
		Short: "Buy a premium plugin, one of its features, or start its trial",
		Long: `Buy a premium plugin so it can be installed, buy one feature of a
freemium plugin, or start the one-time trial of a premium plugin.`,
		Example: `  plughost purchase reader-pro.plugin
  plughost purchase reader-pro.plugin --trial
  plughost purchase reader.plugin --feature offline-sync`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				m, err := a.Manager.ValidatePackage(args[0])
				if err != nil {
					return userError(err)
				}
				p := flags.printer(cmd.OutOrStdout())

				if trial {
					t, err := a.Billing.StartTrial(ctx, m)
					if err != nil {
						return userError(err)
					}
					p.message("Trial of %s started, ends %s", m.ID, t.ExpiresAt.Format("2006-01-02"))
					return nil
				}

				var receipt string
				if feature != "" {
					purchase, err := a.Billing.PurchaseFeature(ctx, m, feature)
					if err != nil {
						return userError(err)
					}
					receipt = purchase.Receipt
				} else {
					purchase, err := a.Billing.Purchase(ctx, m)
					if err != nil {
						return userError(err)
					}
					receipt = purchase.Receipt
				}
				p.message("Purchased %s (receipt %s)", describePurchase(m.ID, feature), receipt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feature, "feature", "", "Buy one feature of a freemium plugin")
	cmd.Flags().BoolVar(&trial, "trial", false, "Start the trial instead of buying")
	cmd.MarkFlagsMutuallyExclusive("feature", "trial")
	return cmd
}

func describePurchase(id, feature string) string {
	if feature == "" {
		return id
	}
	return fmt.Sprintf("%s feature %s", id, feature)
}
