package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medlearn/aicache/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve cache admin tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var summarizer mcp.EventSummarizer
			events, err := openEvents(cfg, logger, 0)
			if err != nil {
				return err
			}
			if events != nil {
				defer func() { _ = events.Close() }()
				summarizer = events
			}

			return mcp.New(store, summarizer, logger.Named("mcp"), version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
