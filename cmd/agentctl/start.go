package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCmd(flags *appFlags) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "start <mission>",
		Short: "Start a new pipeline session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			id, err := facade.StartNewSession(cmd.Context(), args[0], project)
			if err != nil {
				return err
			}

			info, err := facade.GetSessionStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s started: status=%s phase=%s\n", id, info.Status, info.CurrentPhase)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name (derived from the mission when omitted)")
	return cmd
}
