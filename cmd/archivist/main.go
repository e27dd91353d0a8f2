// Package main provides the entry point for the archivist CLI.
package main

import (
	"os"

	"github.com/quillhq/archivist/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
