package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/localfirst/orchestrator/internal/registry"
)

// registryCmd exposes the Service Registry's mutations directly — an
// operator-facing surface for inspecting or adjusting the catalog
// without driving the full graph, grounded on kdlbs-kandev's
// cmd/agentctl tree of thin registry-inspection subcommands.
func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and mutate the service registry",
	}
	cmd.AddCommand(registryListCmd())
	cmd.AddCommand(registryHealthCmd())
	cmd.AddCommand(registryRemoveCmd())
	return cmd
}

func registryListCmd() *cobra.Command {
	var coreOnly, externalOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			var records []*registry.Record
			switch {
			case coreOnly:
				records = a.reg.ListCore()
			case externalOnly:
				records = a.reg.ListExternal()
			default:
				records = a.reg.List()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	cmd.Flags().BoolVar(&coreOnly, "core", false, "list only core services")
	cmd.Flags().BoolVar(&externalOnly, "external", false, "list only non-core services")
	return cmd
}

func registryHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every enabled service and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			statuses := a.client.HealthCheckAll(context.Background())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		},
	}
}

func registryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [service-name]",
		Short: "Remove a non-core service from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.reg.Remove(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove %s: %w", args[0], err)
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}
