package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/marketdesk/refresher/internal/log"
	"github.com/marketdesk/refresher/internal/service"

	"github.com/spf13/cobra"
)

var flagAll bool

var runCmd = &cobra.Command{
	Use:   "run [module...]",
	Short: "run refreshes the given modules (or --all) and prints the result",
	Args: func(cmd *cobra.Command, args []string) error {
		if flagAll && len(args) > 0 {
			return errors.New("--all does not accept module keys")
		}
		if !flagAll && len(args) == 0 {
			return errors.New("no module given, use --all to refresh every module")
		}
		return nil
	},
	RunE: doRun,
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "modules prints the module catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := config.Catalog()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "KEY\tNAME\tSTEPS")
		for _, m := range catalog.Modules() {
			for i, s := range m.Steps {
				key, name := m.Key, m.Name
				if i > 0 {
					key, name = "", ""
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s (%s)\n", key, name, s.Label(), s.Timeout)
			}
		}
		return tw.Flush()
	},
}

// doRun executes one Run in the foreground through the same Supervisor the
// server uses. The admission window does not apply to the CLI.
func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("refresher",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	supervisor, err := service.SupervisorFromConfig(ctx, config, nil)
	if err != nil {
		return err
	}

	mode := service.ModeSingle
	if flagAll {
		mode = service.ModeAll
	}
	info, err := supervisor.TryStart(mode, args)
	if err != nil {
		return err
	}
	supervisor.Wait()

	last := supervisor.Status().LastResult
	if last == nil || last.ID != info.ID {
		return fmt.Errorf("run %s: no result", info.ID)
	}
	if err := service.NewWriteNotifier(cmd.OutOrStdout()).Notify(ctx, *last); err != nil {
		return err
	}
	if !last.OK {
		return fmt.Errorf("run %s %s", info.ID, last.Outcome())
	}
	return nil
}
