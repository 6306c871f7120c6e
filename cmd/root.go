// Package cmd implements the meshdrop command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/meshdrop/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "meshdrop",
	Short: "Binary payload transfer over a device-to-device mesh",
	Long: `meshdrop fragments binary payloads into MTU-bounded frames and moves
them across a peer-to-peer mesh with TTL-bounded store-and-forward
relaying, retry with backoff, and end-to-end acknowledgements.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetLevel(logger.ParseLevel(logLevel))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

// Execute runs the CLI and exits non-zero on error
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
