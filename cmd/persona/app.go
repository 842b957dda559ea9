package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/analyzer"
	"github.com/pario-ai/persona/pkg/audit"
	"github.com/pario-ai/persona/pkg/cache/memory"
	cachesqlite "github.com/pario-ai/persona/pkg/cache/sqlite"
	"github.com/pario-ai/persona/pkg/config"
	"github.com/pario-ai/persona/pkg/metrics"
	"github.com/pario-ai/persona/pkg/pipeline"
	"github.com/pario-ai/persona/pkg/ratelimit"
	"github.com/pario-ai/persona/pkg/tracker"
	"github.com/pario-ai/persona/pkg/validation"
)

// loadConfig reads .env, then the config file named by --config. A missing
// file is fine; environment variables alone can configure Persona.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

type cacheBackend interface {
	pipeline.Cache
	Clear(expiredOnly bool) error
	Close() error
}

func openCache(cfg config.CacheConfig) (cacheBackend, error) {
	switch cfg.Backend {
	case "sqlite":
		c, err := cachesqlite.New(cfg.DBPath, cfg.Capacity)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		return c, nil
	default:
		return memory.New(cfg.Capacity), nil
	}
}

func newValidator(cfg config.ValidationConfig) (*validation.Validator, error) {
	level, err := validation.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return validation.New(validation.Options{MinLength: cfg.MinLength, MaxLength: cfg.MaxLength, Level: level}), nil
}

// app holds every long-lived component of a running server.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	validator *validation.Validator
	limiter   *ratelimit.Limiter
	cache     cacheBackend
	tracker   *tracker.SQLiteTracker
	auditor   *audit.Logger
	metrics   *metrics.Metrics
	pipeline  *pipeline.Pipeline
}

// newApp wires the pipeline. an may be nil, in which case the configured
// OpenAI-compatible client is used.
func newApp(cfg *config.Config, logger *zap.Logger, an analyzer.Analyzer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.validator, err = newValidator(cfg.Validation); err != nil {
		return nil, err
	}

	if an == nil {
		if an, err = newAnalyzer(cfg.Analyzer, logger.Named("analyzer")); err != nil {
			return nil, err
		}
	}

	a.limiter = ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window,
		ratelimit.WithLogger(logger.Named("ratelimit")))

	if a.cache, err = openCache(cfg.Cache); err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger.Named("pipeline"))}

	if cfg.Tracker.Enabled {
		if a.tracker, err = tracker.New(cfg.Tracker.DBPath); err != nil {
			return nil, fmt.Errorf("init tracker: %w", err)
		}
		opts = append(opts, pipeline.WithRecorder(a.tracker))
	}
	if cfg.Audit.Enabled {
		if a.auditor, err = audit.New(cfg.Audit); err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
		opts = append(opts, pipeline.WithAuditor(a.auditor))
	}

	a.metrics = metrics.New(a.cache, a.limiter)
	opts = append(opts, pipeline.WithObserver(a.metrics))

	a.pipeline = pipeline.New(a.validator, a.limiter, a.cache, an, pipeline.Config{
		TTL:     cfg.Cache.TTL,
		Timeout: cfg.Analyzer.Timeout,
	}, opts...)
	return a, nil
}

// Run starts background maintenance until ctx is done.
func (a *app) Run(ctx context.Context) {
	if a.cfg.RateLimit.SweepInterval > 0 {
		go a.limiter.Run(ctx, a.cfg.RateLimit.SweepInterval)
	}
}

// Close waits for pending hooks and releases storage.
func (a *app) Close() error {
	if a.pipeline != nil {
		a.pipeline.Wait()
	}
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.auditor != nil {
		errs = append(errs, a.auditor.Close())
	}
	return errors.Join(errs...)
}

// newAnalyzer builds the upstream client for the primary model. Fallback
// models share its credentials and are tried in order when the primary is
// unavailable or out of quota.
func newAnalyzer(c config.AnalyzerConfig, logger *zap.Logger) (analyzer.Analyzer, error) {
	models := append([]string{c.Model}, c.FallbackModels...)
	chain := make(analyzer.Fallback, 0, len(models))
	for _, model := range models {
		client, err := analyzer.New(analyzer.Options{
			APIKey:            c.APIKey,
			BaseURL:           c.BaseURL,
			Model:             model,
			MaxRetries:        c.MaxRetries,
			Temperature:       c.Temperature,
			MaxTokens:         c.MaxTokens,
			RequestsPerMinute: c.RequestsPerMinute,
			Logger:            logger.With(zap.String("model", model)),
		})
		if err != nil {
			return nil, fmt.Errorf("init analyzer: %w", err)
		}
		chain = append(chain, client)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
