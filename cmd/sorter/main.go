package main

// ============================================================================
// sorter - process entry point
// ============================================================================
//
// All command logic lives in internal/cli. main only recovers from panics
// and maps errors to the exit code.
//
//   go build -o bin/sorter ./cmd/sorter
//   ./bin/sorter run -c configs/default.yaml
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/wheel-sorter/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
