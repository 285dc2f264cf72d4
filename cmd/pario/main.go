// Command pario is the CLI entry point for launching a single process as
// one rank of a tcpcomm-backed IOSystem, inspecting a persisted
// decomposition file, and benchmarking a rearranger. Grounded on this
// codebase's cmd/dittofs/main.go + cmd/dittofs/commands cobra split.
package main

import (
	"fmt"
	"os"

	"github.com/climbfuji/pario/cmd/pario/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
