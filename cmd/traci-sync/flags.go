package main

import (
	"fmt"

	"github.com/signalsfoundry/traci-sync/internal/config"
	"github.com/spf13/cobra"
)

// connFlags are the flags shared by every command that reaches the server.
type connFlags struct {
	configPath string
	host       string
	port       int
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a JSON config file (default "+config.DefaultPath+" if present)")
	cmd.Flags().StringVar(&f.host, "host", "", "simulator host, overrides config and TRACI_HOST")
	cmd.Flags().IntVar(&f.port, "port", 0, "simulator port, overrides config and TRACI_PORT")
}

// load resolves the configuration: defaults, then file, then environment,
// then flags.
func (f *connFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
