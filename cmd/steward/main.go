// Package main is the steward CLI: a single-user autonomous agent host.
//
// Start the host:
//
//	steward serve --config steward.yaml
//
// Talk to a running host:
//
//	steward chat "summarize my notes"
//	steward jobs <job-id>
//	steward respond <job-id> "yes, go ahead"
//
// Configuration can reference environment variables with ${VAR} syntax;
// ANTHROPIC_API_KEY and OPENAI_API_KEY are picked up that way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Steward is a single-user autonomous AI agent host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildJobsCmd(),
		buildRespondCmd(),
		buildCancelCmd(),
		buildConversationsCmd(),
		buildSchedulesCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steward %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
