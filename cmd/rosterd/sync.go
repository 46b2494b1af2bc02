package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	rosterhttp "github.com/fyrsmithlabs/rosterd/internal/http"
	"github.com/fyrsmithlabs/rosterd/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <record-id>",
		Short: "Sync the entity that owns a record and exit",
		Long: `Sync resolves the record id to its entity, fetches the entity's records and
writes the derived document to the index. The index is written only when the
entity's records changed since this process last saw them, so a one-shot
sync always re-derives.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}

			outcome, syncErr := a.orch.SyncEntity(ctx, args[0])
			resp := rosterhttp.SyncResponse{
				RecordID: args[0],
				Outcome:  outcome,
				Reason:   syncer.FailureReason(syncErr),
			}
			if syncErr != nil {
				resp.Error = syncErr.Error()
			}

			sctx, cancel := shutdownContext(ctx, a.cfg.Server.ShutdownTimeout)
			defer cancel()
			closeErr := a.close(sctx)

			if err := writeJSON(cmd, resp); err != nil {
				return err
			}
			if syncErr != nil {
				return fmt.Errorf("sync %s: %w", args[0], syncErr)
			}
			return closeErr
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
