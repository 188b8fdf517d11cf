// Command atrium runs the agentic-chat orchestration backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "atrium",
		Short:         "Agentic-chat orchestration backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
