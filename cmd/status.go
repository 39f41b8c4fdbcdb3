package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/layers/internal/command"
	"firestige.xyz/layers/internal/engine"
)

const controlTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state and counters of a running engine",
	Long: `Query a running engine over its control socket.

Shows: engine state, uptime, and the capture loop counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), socketPath, cmd.OutOrStdout())
	},
}

type statusReport struct {
	command.StatusResult
	Stats engine.Stats `json:"stats"`
}

func runStatus(ctx context.Context, socket string, out io.Writer) error {
	client := command.NewUDSClient(socket, controlTimeout)

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("engine is not running or socket is inaccessible: %w", err)
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}

	data, err := json.MarshalIndent(statusReport{StatusResult: status, Stats: stats}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
