// Package main is the entry point for the ytap CLI.
package main

import (
	"fmt"
	"os"

	"github.com/ezcorg/ytap/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
