package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davsync/davsync/internal/client/sync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ws, cleanup, err := setupRun(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			status := newStatusLine(os.Stderr)
			engine, err := sync.NewSyncEngine(sync.EngineOptions{
				Config:    cfg,
				Workspace: ws,
				Decisions: newDecisionProvider(cfg, status),
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			events := engine.Subscribe()
			go status.follow(ctx, events)

			report := engine.Sync(ctx, sync.TriggerManual)
			engine.Unsubscribe(events)
			status.render(&sync.ProgressEvent{Phase: sync.PhaseDone})

			printReport(cmd.OutOrStdout(), report)
			if report.Failed > 0 {
				return fmt.Errorf("%d actions failed, see %s", report.Failed, ws.LogFilePath)
			}
			return nil
		},
	}
}
