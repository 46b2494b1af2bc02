package main

import (
	"fmt"

	"github.com/spf13/cobra"

	rosterhttp "github.com/fyrsmithlabs/rosterd/internal/http"
)

func newReindexCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Reindex every entity in the database and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}

			report, runErr := a.orch.Reindex(ctx, wipe)

			sctx, cancel := shutdownContext(ctx, a.cfg.Server.ShutdownTimeout)
			defer cancel()
			closeErr := a.close(sctx)

			if runErr != nil {
				return fmt.Errorf("reindex: %w", runErr)
			}
			if err := writeJSON(cmd, rosterhttp.ReindexResponse{Wipe: wipe, Report: report}); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("reindex: %d of %d entities failed", report.Failed, report.Entities)
			}
			return closeErr
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe", false, "clear the index before reindexing")
	return cmd
}
