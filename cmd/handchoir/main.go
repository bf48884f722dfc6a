// Package main is the entry point for the handchoir CLI.
//
// Usage:
//
//	handchoir [flags] [command]
//
// Commands:
//
//	run            - Start a performance (default)
//	serve-harmony  - Answer harmony requests over NATS
//	version        - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/ayusman/handchoir/cmd/handchoir/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
