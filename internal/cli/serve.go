package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/plugin/manager"
)

type serveFlags struct {
	Interactive bool
	Listen      string
	WatchDir    string
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Load every installed plugin, start the enabled ones and run resource
enforcement, the watchdog and update checks until interrupted.

With --interactive, pending permission requests are shown in a terminal
view where they can be granted or denied. Logs then go to the configured
log file, or plughost.log in the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags, sf)
		},
	}
	cmd.Flags().BoolVarP(&sf.Interactive, "interactive", "i", false, "Approve permission requests in a terminal view")
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "Serve the event feed on this address")
	cmd.Flags().StringVar(&sf.WatchDir, "watch", "", "Install packages dropped into this directory")
	return cmd
}

func runServe(cmd *cobra.Command, flags *globalFlags, sf *serveFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	if sf.Listen != "" {
		cfg.Feed.Listen = sf.Listen
	}
	if sf.WatchDir != "" {
		cfg.Plugins.WatchDir = sf.WatchDir
	}
	if sf.Interactive && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.Host.DataDir, "plughost.log")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Start(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printLoadReport(out, report)
	if cfg.Feed.Listen != "" {
		fmt.Fprintf(out, "Event feed on ws://%s/events\n", cfg.Feed.Listen)
	}

	if !sf.Interactive {
		<-ctx.Done()
		return nil
	}

	sub := a.Permissions.SubscribeRequests()
	defer sub.Unsubscribe()

	model := newApprovalModel(ctx, a.Manager, sub.C)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out), tea.WithInput(cmd.InOrStdin()))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func printLoadReport(w io.Writer, r *manager.LoadReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%s %d loaded, %d started\n", titleStyle.Render("Plugins:"), len(r.Loaded), len(r.Started))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s\n", errorStyle.Render("load failed:"), f.Error())
	}

	ids := make([]string, 0, len(r.StartFailures))
	for id := range r.StartFailures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %s %s: %s\n", errorStyle.Render("start failed:"), id, manager.UserMessage(r.StartFailures[id]))
	}
}
