package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medlearn/aicache/pkg/analytics"
	"github.com/medlearn/aicache/pkg/mcp"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		since  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Summarize recent cache hits, misses and cost per mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			from, err := analytics.ParseSince(since, time.Now().UTC())
			if err != nil {
				return err
			}
			events, err := openEvents(cfg, logger, 0)
			if err != nil {
				return err
			}
			if events == nil {
				return errors.New("analytics is disabled in config")
			}
			defer func() { _ = events.Close() }()

			sums, err := events.Summary(cmd.Context(), from)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sums)
			}
			fmt.Fprintln(cmd.OutOrStdout(), mcp.FormatEventSummary(sums))
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "look-back window such as 24h or 7d, or an RFC 3339 time (default 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print summary as JSON")
	return cmd
}
