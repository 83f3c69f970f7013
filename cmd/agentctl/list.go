package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/agentpipeline/sessionstore"
)

func newListCmd(flags *appFlags) *cobra.Command {
	var filter string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			infos, err := facade.ListSessions(cmd.Context(), sessionstore.Status(filter), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tPROJECT\tUPDATED_AT")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Status, info.CurrentPhase, info.ProjectName,
					info.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "only show sessions with this status (e.g. RUNNING, AWAITING_APPROVAL)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions to show (0 = unbounded)")
	return cmd
}
