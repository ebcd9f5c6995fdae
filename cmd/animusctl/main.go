package main

import (
	"os"

	"github.com/animus-labs/animus-orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
