package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dshills/agentpipeline/orchestrator"
)

func newServerCmd(flags *appFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the health and metrics HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			facade, metrics, closer, err := buildFacade(flags)
			if err != nil {
				return err
			}
			defer closer()

			srv := orchestrator.NewServer(facade, metrics)

			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			return http.ListenAndServe(addr, srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	return cmd
}
