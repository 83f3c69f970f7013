package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <session-id> <path>",
		Short: "Export a session to a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			if err := facade.ExportSession(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported session %s to %s\n", args[0], args[1])
			return nil
		},
	}
	return cmd
}
