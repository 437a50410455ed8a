package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd builds the cobra command tree: `orchestratord serve` runs the
// daemon; `orchestratord registry ...` mediates the Service Registry
// directly, for operational use (list services, probe health, remove a
// service) without going through the graph.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Local-first agent orchestrator core",
		Long:  "orchestratord drives the StateGraph-based orchestration graph over a registry of local microservices.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config YAML (default: none, env-only)")

	root.AddCommand(serveCmd())
	root.AddCommand(registryCmd())
	return root
}
