package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/config"
)

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the host configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Long: `Print the configuration after defaults, the configuration file and
PLUGHOST_ environment variables are merged. Secrets are redacted.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				if cfg.Updates.MarketplaceToken != "" {
					cfg.Updates.MarketplaceToken = "REDACTED"
				}
				return flags.printer(cmd.OutOrStdout()).print(cfg, func(w io.Writer) {
					data, err := cfg.Encode()
					if err != nil {
						fmt.Fprintln(w, errorStyle.Render(err.Error()))
						return
					}
					w.Write(data)
				})
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file location",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), flags.ConfigPath)
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := os.Stat(flags.ConfigPath); err == nil {
					return fmt.Errorf("%s already exists", flags.ConfigPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				data, err := config.Default().Encode()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(flags.ConfigPath), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(flags.ConfigPath, data, 0o644); err != nil {
					return err
				}
				flags.printer(cmd.OutOrStdout()).message("Wrote %s", flags.ConfigPath)
				return nil
			},
		},
	)
	return cmd
}
