package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/agentpipeline/orchestrator"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	rootCmd := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		var oerr *orchestrator.OrchestratorError
		if errors.As(err, &oerr) {
			fmt.Fprintln(rootCmd.OutOrStderr(), oerr)
			os.Exit(exitCodeFor(oerr.Kind))
		}
		fmt.Fprintln(rootCmd.OutOrStderr(), err)
		os.Exit(1)
	}
}

func exitCodeFor(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.ErrKindInvalidInput, orchestrator.ErrKindInvalidOperation:
		return 2
	case orchestrator.ErrKindSessionNotFound, orchestrator.ErrKindSessionExpired:
		return 3
	case orchestrator.ErrKindAgentUnavailable:
		return 4
	default:
		return 1
	}
}
