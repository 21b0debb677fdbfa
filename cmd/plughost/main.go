// Package main is the entry point for the plughost command.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dshills/plughost/internal/cli"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCommand(version, commit, date)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
