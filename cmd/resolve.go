package main

import (
	"encoding/json"
	"lookup-gateway/core"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	var caller string

	cmd := &cobra.Command{
		Use:   "resolve <capability> <subject>",
		Short: "Resolve a subject once and print the result",
		Long: `Resolve a subject through the provider chain of a capability
(ip-lookup, domain-lookup or reputation) and print the JSON result.`,
		Example: "  lookup-gateway resolve ip-lookup 8.8.8.8\n  lookup-gateway resolve domain-lookup google.com --caller ops",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(nil, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.gateway.Chain.Resolve(cmd.Context(), core.Capability(args[0]), args[1], caller)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toLookupResponse(res))
		},
	}

	cmd.Flags().StringVar(&caller, "caller", "", "caller id whose slot overrides apply")
	return cmd
}
