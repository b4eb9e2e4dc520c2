package main

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "camrelay",
		Short: "Relay a camera's encoded output to push clients and serve snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), envFile)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the relay (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), envFile)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "camrelay %s (%s) %s\n", version, commit, runtime.Version())
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// slog may not be initialized if config failed to load
		log.Printf("camrelay: %v", err)
		os.Exit(1)
	}
}
