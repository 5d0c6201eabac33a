package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/XRelay/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}

	RelayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Generate relay configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeTemplate("relay", examples.RelayConfig)
		},
	}

	GatewayCmd = &cobra.Command{
		Use:   "gateway",
		Short: "Generate gateway configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeTemplate("gateway", examples.GatewayConfig)
		},
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.AddCommand(RelayCmd)
	Cmd.AddCommand(GatewayCmd)
}

// writeTemplate copies an embedded template to the --config path, refusing
// to overwrite an existing file.
func writeTemplate(kind string, template func() ([]byte, error)) error {
	logger := log.With().Str("com", "generate").Logger()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("file already exists: %s", configFile)
	}

	content, err := template()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}
	if err := os.WriteFile(configFile, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", configFile).Msgf("generated %s configuration", kind)
	return nil
}
