package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parleyd",
		Short: "Real-time conversation server",
		Long: `Parleyd is a real-time conversation relay.

Clients connect over WebSocket, one connection per conversation.
Accepted messages are validated against the frame grammar, persisted,
and fanned out to every member listening on the same conversation.

  • Binary envelope protocol with pipelined requests
  • Frame-grammar body validation before persistence
  • Memory, SQLite and Postgres storage backends
  • Optional S3 archival of accepted messages
  • Prometheus metrics and structured logging`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add commands
	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
