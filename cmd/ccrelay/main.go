package main

import (
	"fmt"
	"os"

	"github.com/ccrelay/gateway/cmd/ccrelay/commands"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ccrelay",
		Short: "ccrelay - Cloud Code relay gateway",
		Long: `ccrelay is a reverse proxy that exposes an Anthropic-compatible
Messages API and load-balances it across a pool of upstream Cloud Code
credentials.

Features:
  • Multi-account pooling with pluggable selection strategies
  • Automatic rate-limit and capacity failover
  • Model fallback chains for graceful degradation
  • Background quota and subscription refresh`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AccountsCmd)
	rootCmd.AddCommand(commands.KeysCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ccrelay version %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
