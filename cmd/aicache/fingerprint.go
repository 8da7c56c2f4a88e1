package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medlearn/aicache/pkg/fingerprint"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/models"
)

func newFingerprintCmd(opts *rootOptions) *cobra.Command {
	var showCanonical bool

	cmd := &cobra.Command{
		Use:   "fingerprint <mode> <context-json>",
		Short: "Print the cache key for a mode and request context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dec := json.NewDecoder(strings.NewReader(args[1]))
			dec.UseNumber()
			var reqContext map[string]any
			if err := dec.Decode(&reqContext); err != nil {
				return fmt.Errorf("parse context: %w", err)
			}

			mode := args[0]
			d := models.Descriptor{
				Mode:      mode,
				ModelHint: modelhint.New(cfg.Models).Resolve(mode),
				Context:   reqContext,
			}
			fp, err := fingerprint.Fingerprint(d)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showCanonical {
				canonical, err := fingerprint.Canonical(d)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(canonical))
			}
			fmt.Fprintln(out, fp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCanonical, "canonical", false, "also print the canonical descriptor")
	return cmd
}
