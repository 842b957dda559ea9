package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/logging"
	"github.com/pario-ai/persona/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log.Level, cfg.IsProduction())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("close", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.Run(ctx)

			d := server.Deps{
				Pipeline: a.pipeline,
				Cache:    a.cache,
				Limiter:  a.limiter,
				Metrics:  a.metrics.Handler(),
				Logger:   logger.Named("http"),
				Version:  version,
			}
			if a.tracker != nil {
				d.History = a.tracker
			}
			if a.auditor != nil {
				d.Audit = a.auditor
			}
			if cfg.Admin.Password == "" {
				logger.Info("admin routes disabled, ADMIN_PASSWORD not set")
			}

			logger.Info("starting persona",
				zap.String("version", version),
				zap.String("environment", cfg.Environment),
				zap.String("cache_backend", cfg.Cache.Backend),
				zap.Int("rate_limit", cfg.RateLimit.RequestsPerMinute),
				zap.Duration("window", cfg.RateLimit.Window),
			)
			return server.New(cfg, d).ListenAndServe(ctx, cfg.Addr())
		},
	}
}
