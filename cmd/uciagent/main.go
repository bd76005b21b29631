// Package main provides the entry point for the uciagent CLI.
package main

import (
	"os"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/cmd/uciagent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
