// Package main provides the entry point for the framesync CLI.
package main

import (
	"fmt"
	"os"

	"github.com/marginalia/framesync/cmd/framesync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
