package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/execution-tracker/internal/config"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "tracker",
		Short:        "Execution failure detection and recovery tracker",
		Long:         "Tracker registers agent executions, detects lost heartbeats and expired deadlines, and publishes lifecycle events.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config/config.yaml)")

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newConfigCommand(&configPath))
	rootCmd.AddCommand(newHistoryCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out, err := yaml.Marshal(cfg.AllSettings())
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
