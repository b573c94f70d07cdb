// Package main is the entry point for the capturr application.
package main

import (
	"os"

	"github.com/jmylchreest/capturr/cmd/capturr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
