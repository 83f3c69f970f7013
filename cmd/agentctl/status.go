package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(flags *appFlags) *cobra.Command {
	var showArtifacts bool
	var logLines int

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status, phase, and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			id := args[0]
			info, err := facade.GetSessionStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:              %s\n", info.ID)
			fmt.Fprintf(out, "mission:         %s\n", info.Mission)
			fmt.Fprintf(out, "status:          %s\n", info.Status)
			fmt.Fprintf(out, "phase:           %s\n", info.CurrentPhase)
			fmt.Fprintf(out, "iteration_count: %d\n", info.IterationCount)
			fmt.Fprintf(out, "qa_passed:       %t\n", info.QAPassed)
			fmt.Fprintf(out, "updated_at:      %s\n", info.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))

			if showArtifacts {
				arts, err := facade.GetArtifacts(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "prd:             %s\n", arts.PRD)
				fmt.Fprintf(out, "tech_spec:       %s\n", arts.TechSpec)
				fmt.Fprintf(out, "scaffold:        %s\n", arts.Scaffold)
				fmt.Fprintf(out, "bug_report:      %s\n", arts.BugReport)
			}

			if logLines > 0 {
				lines, err := facade.GetRecentLogs(cmd.Context(), id, logLines)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "--- recent log ---")
				for _, line := range lines {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showArtifacts, "artifacts", false, "include artifact paths")
	cmd.Flags().IntVar(&logLines, "log-lines", 0, "tail this many log lines (0 disables)")
	return cmd
}
