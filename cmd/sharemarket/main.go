package main

import (
	"os"

	"github.com/hipo/sharemarket/cmd/sharemarket/commands"
)

// main is the entry point for the sharemarket CLI
// ⭐ Unified CLI entry: go run ./cmd/sharemarket [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
