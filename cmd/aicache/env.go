package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/analytics"
	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/cache/redis"
	"github.com/medlearn/aicache/pkg/cache/sqlite"
	"github.com/medlearn/aicache/pkg/config"
	"github.com/medlearn/aicache/pkg/logs"
)

// load reads the config file (defaults when it does not exist) and builds
// the logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Log.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logs.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// openStore opens the configured backend behind a cache.Store. observer may be nil.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, observer cache.Observer) (*cache.Store, error) {
	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "redis":
		b, err := redis.New(ctx, cfg.Cache.Redis.URL, cfg.Cache.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		backend = b
	default:
		b, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
		backend = b
	}

	opts := []cache.Option{
		cache.WithLogger(logger.Named("cache")),
		cache.WithTimeout(cfg.Cache.OpTimeout),
	}
	if observer != nil {
		opts = append(opts, cache.WithObserver(observer))
	}
	return cache.New(backend, opts...), nil
}

// openEvents opens the analytics store, or returns nil when analytics is off.
func openEvents(cfg *config.Config, logger *zap.Logger, retentionDays int) (*analytics.Store, error) {
	if !cfg.Analytics.Enabled {
		return nil, nil
	}
	events, err := analytics.NewStore(cfg.DBPath, retentionDays, logger.Named("analytics"))
	if err != nil {
		return nil, fmt.Errorf("init analytics: %w", err)
	}
	return events, nil
}
