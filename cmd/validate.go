package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/dissector/builtin"
)

var printConfig bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the engine. Dissector
names and options are checked as well.

Examples:
  layers validate -c config.yaml
  layers validate -c config.yaml --print   # also print the effective config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, printConfig, cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration as YAML")
}

// effective mirrors the file layout so --print output can be loaded again.
type effective struct {
	Layers config.GlobalConfig `yaml:"layers"`
}

func runValidate(path string, printEffective bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	reg, err := builtin.NewRegistry(cfg.Dissectors.Enabled, cfg.Dissectors.Options, cfg.Workspace)
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	fmt.Fprintf(out, "VALID: source %s, %d worker(s), dissectors %v, sink %s\n",
		cfg.Capture.Source, cfg.Workers.Count, reg.Enabled(), cfg.Events.Sink)

	if printEffective {
		data, err := yaml.Marshal(effective{Layers: *cfg})
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		out.Write(data)
	}
	return nil
}
