package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/persona/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		clientID string
		recent   time.Duration
		prune    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-client request statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := tr.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d records older than %s.\n", n, prune)
				return nil
			}

			if recent > 0 {
				if clientID == "" {
					return fmt.Errorf("--recent needs --client")
				}
				recs, err := tr.Recent(ctx, clientID, time.Now().Add(-recent))
				if err != nil {
					return err
				}
				fmt.Fprint(out, formatRecords(recs))
				return nil
			}

			summaries, err := tr.Summary(ctx, clientID)
			if err != nil {
				return err
			}
			fmt.Fprint(out, formatSummaries(summaries))
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "filter by client ID")
	cmd.Flags().DurationVar(&recent, "recent", 0, "list a client's requests from this far back (e.g. 1h)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete records older than this instead of reporting")
	return cmd
}
