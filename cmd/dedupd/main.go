// Command dedupd runs and talks to task deduplication nodes.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
