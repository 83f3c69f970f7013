package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/agentpipeline/orchestrator"
	"github.com/dshills/agentpipeline/session"
)

func newRejectCmd(flags *appFlags) *cobra.Command {
	var feedback string
	var rejectTo string

	cmd := &cobra.Command{
		Use:   "reject <session-id>",
		Short: "Reject the design awaiting review and route back to pm or architect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target session.Phase
			switch rejectTo {
			case "pm":
				target = session.PhasePM
			case "architect", "arch":
				target = session.PhaseArch
			default:
				return &orchestrator.OrchestratorError{Kind: orchestrator.ErrKindInvalidInput, Message: "--reject-to must be pm or architect"}
			}

			facade, _, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			info, err := facade.RejectAndIterate(cmd.Context(), args[0], feedback, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: status=%s phase=%s\n", info.ID, info.Status, info.CurrentPhase)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text explaining the rejection (required)")
	cmd.Flags().StringVar(&rejectTo, "reject-to", "", "where to route back to: pm or architect (required)")
	_ = cmd.MarkFlagRequired("feedback")
	_ = cmd.MarkFlagRequired("reject-to")
	return cmd
}
