package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd 构建命令树
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lookup-gateway",
		Short: "Credential-aware IP and domain lookup gateway",
		Long: `lookup-gateway resolves IP and domain lookups through an ordered chain of
vendor APIs, choosing credential slots per provider and caller, enforcing
per-provider request budgets and caching successful results on disk.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newResolveCmd(),
		newSlotsCmd(),
	)
	return root
}
