package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/davsync/davsync/internal/client/sync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	var watch bool

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Keep the folder in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ws, cleanup, err := setupRun(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if cmd.Flag("watch").Changed {
				cfg.Watch = watch
			}

			status := newStatusLine(os.Stderr)
			engine, err := sync.NewSyncEngine(sync.EngineOptions{
				Config:    cfg,
				Workspace: ws,
				// nobody is there to answer while the daemon runs
				Decisions: sync.DeferDecisions{},
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			events := engine.Subscribe()
			go status.follow(ctx, events)

			manager := sync.NewManager(engine)
			if err := manager.Start(ctx); err != nil {
				return err
			}
			slog.Info("daemon started", "root", cfg.LocalRoot, "interval", cfg.Interval(), "watch", cfg.Watch)

			<-ctx.Done()
			status.render(&sync.ProgressEvent{Phase: sync.PhaseDone})
			slog.Info("daemon stopping")

			// the signal context is gone, the shutdown pass gets its own
			report := manager.Shutdown(context.WithoutCancel(ctx))
			engine.Unsubscribe(events)
			if err := manager.Err(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", yellow.Render("WARN"), err)
			}
			printReport(cmd.OutOrStdout(), report)

			slog.Info("Bye!")
			return nil
		},
	}

	daemonCmd.Flags().BoolVarP(&watch, "watch", "w", false, "also sync shortly after local changes")
	return daemonCmd
}
