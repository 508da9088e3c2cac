// Command swarmops is the process entry point for the pipeline orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/swarmops/orchestrator/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
