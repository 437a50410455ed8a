// Package main is the entry point for the orchestrator daemon. Grounded
// on kdlbs-kandev/apps/backend/cmd/orchestrator/main.go's
// load-config/init-logger/connect-backends/start-service shape and
// harunnryd-heike/cmd/heike/root.go's cobra command tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
