package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect and switch provider credential slots",
		Long:  "Inspect and switch the credential slots of a provider, globally or per caller",
	}
	cmd.AddCommand(
		newSlotsListCmd(),
		newSlotsSetCmd(),
		newSlotsRotateCmd(),
		newSlotsUseCmd(),
		newSlotsResetCmd(),
	)
	return cmd
}

// withRuntime 为一次性命令初始化运行环境
func withRuntime(cmd *cobra.Command, fn func(rt *app) error) error {
	rt, err := bootstrap(nil, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// noteRunningServer 提示正在运行的 serve 进程不会重新读取本地修改
func noteRunningServer(cmd *cobra.Command) {
	fmt.Fprintln(cmd.ErrOrStderr(),
		"note: a running `lookup-gateway serve` keeps its slot state in memory and may overwrite this change; "+
			"restart it, or use the /admin/providers endpoints against the running server instead")
}

func parseSlot(arg string) (int, error) {
	slot, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("slot must be a number, got %q", arg)
	}
	return slot, nil
}

func newSlotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [provider]",
		Short: "List credential slots",
		Long:  "List the credential slots of one provider, or a summary of all providers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				defer w.Flush()

				if len(args) == 0 {
					fmt.Fprintln(w, "PROVIDER\tACTIVE\tCONFIGURED\tCAPACITY\tOVERRIDES")
					for _, id := range rt.gateway.Creds.Providers() {
						st, err := rt.gateway.Creds.Stats(id)
						if err != nil {
							return err
						}
						fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", id, st.ActiveSlot, st.Configured, st.Capacity, st.Overrides)
					}
					return nil
				}

				slots, err := rt.gateway.Creds.ListSlots(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "\tSLOT\tVARIABLE\tCONFIGURED")
				for _, s := range slots {
					marker := " "
					if s.ActiveGlobally {
						marker = "*"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%v\n", marker, s.Slot, s.Variable, s.Configured)
				}
				return nil
			})
		},
	}
}

func newSlotsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider> <slot>",
		Short: "Set the global active slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlot(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(rt *app) error {
				if err := rt.gateway.Creds.SetGlobalActiveSlot(args[0], slot); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: global slot set to %d\n", args[0], slot)
				noteRunningServer(cmd)
				return nil
			})
		},
	}
}

func newSlotsRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <provider>",
		Short: "Switch to the next configured slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app) error {
				slot, err := rt.gateway.Creds.RotateToNextConfigured(args[0])
				if slot != 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: rotated to slot %d\n", args[0], slot)
					noteRunningServer(cmd)
				}
				return err
			})
		},
	}
}

func newSlotsUseCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "use <provider> <caller> <slot>",
		Short: "Pin a caller to a slot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlot(args[2])
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(rt *app) error {
				if force {
					err = rt.gateway.Creds.ForceCallerSlot(args[0], args[1], slot)
				} else {
					err = rt.gateway.Creds.SetCallerSlot(args[0], args[1], slot)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: caller %s pinned to slot %d\n", args[0], args[1], slot)
				noteRunningServer(cmd)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "pin even if the slot has no credential")
	return cmd
}

func newSlotsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <provider> <caller|all>",
		Short: "Remove caller overrides",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app) error {
				if err := rt.gateway.Creds.ResetCallerSlot(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: override for %s removed\n", args[0], args[1])
				noteRunningServer(cmd)
				return nil
			})
		},
	}
}
