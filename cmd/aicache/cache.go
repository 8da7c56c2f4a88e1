package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medlearn/aicache/pkg/mcp"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	var asJSON bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := openStore(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprint(cmd.OutOrStdout(), mcp.FormatCacheStats(stats))
			return nil
		},
	}
	statsCmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")

	var (
		mode        string
		expiredOnly bool
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := openStore(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var n int64
			if expiredOnly {
				n, err = store.Purge(cmd.Context())
			} else {
				n, err = store.Clear(cmd.Context(), mode)
			}
			if err != nil {
				return err
			}

			scope := "all modes"
			switch {
			case expiredOnly:
				scope = "expired entries"
			case mode != "":
				scope = "mode " + mode
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cache entries (%s).\n", n, scope)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&mode, "mode", "", "only clear entries of this mode")
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")
	clearCmd.MarkFlagsMutuallyExclusive("mode", "expired")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
