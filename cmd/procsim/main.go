package main

// ============================================================================
// Responsibility:
// 1. CLI entry point
// 2. Build and execute the command tree
// 3. Report top-level errors and exit non-zero
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/procsim/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
