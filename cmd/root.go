// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/layers/internal/config"
)

var (
	// configFile is the --config flag shared by every subcommand.
	configFile string
	// socketPath is the control socket used by status and stop.
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "layers",
	Short: "layers - flow tracking and protocol dissection engine",
	Long: `layers reads packets from a live interface or a capture file, tracks
TCP and UDP flows across worker goroutines, detects the application protocol
of each flow and feeds its ordered payload to protocol inspectors (HTTP, DNS,
SIP) which emit events to a log or Kafka sink.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath,
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", config.DefaultSocket,
		"control socket of a running engine")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}
