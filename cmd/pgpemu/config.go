package main

import (
	"github.com/chaz8081/pgpemu/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Load and validate the config",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				printBanner(cfg)
				color.Green("[OK] config is valid")
				return nil
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default config if none exists",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				path, err := config.WriteDefault()
				if err != nil {
					return err
				}
				color.Green("[OK] config at %s", path)
				return nil
			},
		},
	)
	return cmd
}
