// Package main provides the entry point for the patchsync CLI.
package main

import (
	"fmt"
	"os"

	"github.com/telnet2/patchsync/cmd/patchsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
