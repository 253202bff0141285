package main

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
)

// newTriggerCmd runs one invocation and prints the response, for cron hosts
// and operators. Continuations are scheduled through the configured chain.
func newTriggerCmd() *cobra.Command {
	var req sync.TriggerRequest

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start, continue or cancel a sync run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			resp, err := app.manager.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringSliceVar(&req.Sources, "sources", nil, "Sources to sync (default: all registered)")
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "Records per source per invocation (0 = configured default)")
	cmd.Flags().StringVar(&req.SyncRunID, "run-id", "", "Continue or resume this run")
	cmd.Flags().StringVar(&req.ImportID, "import-id", "", "Restrict staging sources to one import batch")
	cmd.Flags().BoolVar(&req.ForceCancel, "cancel", false, "Cancel the run or the active runs of --sources")
	return cmd
}
