package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(flags *appFlags) *cobra.Command {
	var ttlDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Mark idle sessions expired and delete sessions already expired from a prior run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			marked, deleted, err := facade.CleanupExpiredSessions(cmd.Context(), ttlDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d session(s) expired, deleted %d session(s)\n", marked, deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&ttlDays, "ttl-days", 7, "age in days past which an idle session is expired/removed")
	return cmd
}
