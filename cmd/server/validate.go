package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/testserver/internal/config"
	"example.com/testserver/internal/handlers"
	"example.com/testserver/internal/logger"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := buildHandler(handlers.NewDefaultRegistry(), cfg, logger.Nop()); err != nil {
				return fmt.Errorf("invalid handler configuration in %s: %w", configPath, err)
			}
			if _, err := serverOptions(cfg, logger.Nop()); err != nil {
				return fmt.Errorf("invalid server configuration in %s: %w", configPath, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
