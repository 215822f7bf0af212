// beamd: the beam workspace daemon.
//
// beamd loads tool modules, exposes their methods over JSON-RPC to the
// developer UI, CLI invocations, and external protocol clients, and keeps
// stateful runs resumable across reconnects and restarts.
package main

import (
	"fmt"
	"os"

	"github.com/beam-tools/beam/cmd/beamd/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
