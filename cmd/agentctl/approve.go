package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve the design awaiting review and continue to Engineer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			info, err := facade.ApproveAndContinue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: status=%s phase=%s\n", info.ID, info.Status, info.CurrentPhase)
			return nil
		},
	}
	return cmd
}
