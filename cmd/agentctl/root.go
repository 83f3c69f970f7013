package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	flags := &appFlags{}

	cmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "Drive the multi-agent software-delivery pipeline",
		Long:          "agentctl starts, inspects, and steers sessions of the PM -> Architect -> human gate -> Engineer -> QA pipeline.",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	registerAppFlags(cmd, flags)

	cmd.AddCommand(newStartCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newApproveCmd(flags))
	cmd.AddCommand(newRejectCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newExportCmd(flags))
	cmd.AddCommand(newImportCmd(flags))
	cmd.AddCommand(newCleanupCmd(flags))
	cmd.AddCommand(newDeleteCmd(flags))
	cmd.AddCommand(newServerCmd(flags))

	return cmd
}
