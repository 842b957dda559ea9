package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/persona/pkg/logging"
	"github.com/pario-ai/persona/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the analysis tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// stdout carries the protocol; zap writes to stderr.
			logger, err := logging.New(cfg.Log.Level, true)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.Run(ctx)

			d := mcp.Deps{
				Pipeline:  a.pipeline,
				Validator: a.validator,
				Cache:     a.cache,
				Logger:    logger.Named("mcp"),
			}
			if a.tracker != nil {
				d.History = a.tracker
			}
			if a.auditor != nil {
				d.Audit = a.auditor
			}
			return mcp.New(d, version).Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
