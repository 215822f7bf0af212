// Package cli implements the beamd command tree.
package cli

import "github.com/spf13/cobra"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "beamd",
		Short:         "beamd: workspace daemon hosting tool modules",
		Long:          "beamd loads tool modules, exposes their methods over JSON-RPC to multiple clients, and keeps stateful runs resumable across reconnects, restarts, and source edits.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
