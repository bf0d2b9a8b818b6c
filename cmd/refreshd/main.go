// Command refreshd runs the analytics refresh orchestrator.
package main

import (
	"os"

	"github.com/pulsemetrics/refreshd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
