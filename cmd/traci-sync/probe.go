package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/signalsfoundry/traci-sync/internal/config"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var flags connFlags

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect once and print the server version and network bounds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			return probe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func probe(ctx context.Context, cfg config.Config, out io.Writer) error {
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	conn, err := traci.Dial(ctx, dialConfig(cfg, log))
	if err != nil {
		return err
	}
	ch, err := traci.NewChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	client, err := traci.NewClient(ch, log)
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer client.Close()

	v, err := client.CheckVersion(ctx)
	if err != nil {
		return err
	}
	bounds, err := client.NetBounds(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "server:  %s (api %d)\n", v.ServerVersion, v.APIVersion)
	fmt.Fprintf(out, "bounds:  (%.2f, %.2f) - (%.2f, %.2f)\n", bounds.Lower.X, bounds.Lower.Y, bounds.Upper.X, bounds.Upper.Y)
	fmt.Fprintf(out, "extent:  %.2f x %.2f\n", bounds.Width(), bounds.Height())
	return nil
}

func dialConfig(cfg config.Config, log logging.Logger) traci.DialConfig {
	return traci.DialConfig{
		Address:         cfg.Address(),
		InitialInterval: cfg.ConnectRetry.InitialInterval.Std(),
		MaxInterval:     cfg.ConnectRetry.MaxInterval.Std(),
		MaxElapsed:      cfg.ConnectRetry.MaxElapsed.Std(),
		Log:             log,
	}
}
