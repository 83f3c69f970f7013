package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import a session from a JSON file produced by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			id, err := facade.ImportSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported session %s\n", id)
			return nil
		},
	}
	return cmd
}
