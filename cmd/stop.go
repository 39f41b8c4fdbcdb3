package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/layers/internal/command"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running engine",
	Long: `Stop a running engine gracefully.

The engine stops capturing, releases every session, closes the event sink and
exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), socketPath, cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, socket string, out io.Writer) error {
	client := command.NewUDSClient(socket, controlTimeout)
	if err := client.Shutdown(ctx, "stop command"); err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}
	fmt.Fprintln(out, "engine is shutting down")
	return nil
}
