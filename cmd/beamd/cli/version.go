package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beam-tools/beam/internal/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("beamd v%s\n", server.Version)
		},
	}
}
