// Package main provides the CLI entry point for the agentcore event and
// approval service.
//
// Start the server:
//
//	agentcore serve --config agentcore.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Session event ordering, rate limiting, and approval gating",
		Long: `agentcore is the ordering and approval core of a chat agent backend:
per-session event sequencing, sliding-window rate limits, prioritized
work lanes, and human-in-the-loop tool approvals.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcore %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
