// Package main provides the entry point for the pocketcmd CLI.
package main

import (
	"fmt"
	"os"

	"github.com/pocketcmd/pocketcmd/cmd/pocketcmd/commands"
	"github.com/pocketcmd/pocketcmd/internal/logging"
)

func main() {
	err := commands.Execute()
	logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
