package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/analytics"
	"github.com/medlearn/aicache/pkg/generate"
	"github.com/medlearn/aicache/pkg/invoke"
	"github.com/medlearn/aicache/pkg/metrics"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			store, err := openStore(ctx, cfg, logger, m)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			hints := modelhint.New(cfg.Models)
			client, err := generate.New(cfg, hints, generate.WithLogger(logger.Named("generate")))
			if err != nil {
				return err
			}

			invOpts := []invoke.Option{
				invoke.WithDefaultTTL(cfg.Cache.TTL),
				invoke.WithCaching(cfg.Cache.Enabled),
				invoke.WithSingleFlight(cfg.Cache.SingleFlight),
				invoke.WithLogger(logger.Named("invoke")),
				invoke.WithObserver(m),
			}
			deps := server.Deps{
				Store:    store,
				Generate: client.Generate,
				Metrics:  m.Handler(),
				Auth:     server.NewKeyAuthenticator(cfg.Auth.APIKeys),
				Logger:   logger.Named("http"),
			}

			events, err := openEvents(cfg, logger, cfg.Analytics.RetentionDays)
			if err != nil {
				return err
			}
			if events != nil {
				defer func() { _ = events.Close() }()
				batcher := analytics.NewBatcher(events, cfg.Analytics.BufferSize, cfg.Analytics.FlushInterval, logger.Named("analytics"))
				batcher.Start()
				defer func() {
					if err := batcher.Close(); err != nil {
						logger.Warn("final analytics flush failed", zap.Error(err))
					}
				}()
				invOpts = append(invOpts, invoke.WithRecorder(batcher))
				deps.Events = events
			}
			deps.Invoker = invoke.New(store, hints, invOpts...)

			logger.Info("starting aicache",
				zap.String("version", version),
				zap.String("listen", cfg.Listen),
				zap.String("backend", cfg.Cache.Backend),
				zap.Bool("cache_enabled", cfg.Cache.Enabled),
				zap.Bool("analytics", events != nil))
			return server.New(cfg.Listen, deps).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
