package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	// Values from .env feed ${VAR} expansion in the config file.
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "aicache",
		Short:         "aicache: response cache for AI generation calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "aicache.yaml", "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newCacheCmd(opts),
		newEventsCmd(opts),
		newFingerprintCmd(opts),
		newMCPCmd(opts),
	)
	return root
}
