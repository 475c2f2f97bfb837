package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/logging"
)

// defaultConfigPath is used when neither --config nor MQTTC_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// newRootCmd builds the command tree. The root command runs serve.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mqttc",
		Short:         "MQTT messaging client service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $MQTTC_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		serveCmd(&configPath),
		publishCmd(&configPath),
		subscribeCmd(&configPath),
		demoCmd(&configPath),
		tokenCmd(&configPath),
		versionCmd(),
	)
	return root
}

// resolveConfigPath returns the flag value, then MQTTC_CONFIG, then the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("MQTTC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadToolConfig loads configuration for one-shot commands, which also
// work without a config file.
func loadToolConfig(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadOptional(resolveConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, logging.New(cfg.Logging, version), nil
}

// toolClientID derives the client id of a one-shot command so it never
// takes over the session of a running service. It is stable per role, so
// the retained status topics do not pile up on the broker.
func toolClientID(base, role string) string {
	return base + "-" + role
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mqttc %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
