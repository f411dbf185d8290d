package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/surfdeck/surfdeck/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the browser automation worker (MCP over stdio)",
	Hidden: true,
	Long: `Run one browser automation worker as an MCP server over stdio.

serve spawns one of these per session; it is not normally run by hand.
Stdout carries the MCP transport, so nothing else may write to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerRun()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	ctrl := worker.NewController()
	defer func() { _ = ctrl.Close() }()

	return worker.NewServer(ctrl, buildVersion).ServeStdio(ctx)
}
