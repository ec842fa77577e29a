// Package main provides the studyrouter-cli command-line tool for inspecting
// routing policies and the request log.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ferro-labs/study-router/internal/version"

	// Register built-in plugins so they appear in the plugin list.
	_ "github.com/ferro-labs/study-router/internal/plugins/logger"
	_ "github.com/ferro-labs/study-router/internal/plugins/maxtoken"
	_ "github.com/ferro-labs/study-router/internal/plugins/wordfilter"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "studyrouter-cli",
		Short:         "Study router command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newPoliciesCmd(),
		newClassifyCmd(),
		newPluginsCmd(),
		newLogsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "studyrouter-cli %s\n", version.String())
			},
		},
	)
	return root
}
