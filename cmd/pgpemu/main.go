package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chaz8081/pgpemu/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pgpemu",
		Short:        "Pokemon GO Plus accessory emulator",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to config file (default: ~/.config/pgpemu/config.yaml)")
	flags.String("log-level", "", "log level: disabled, error, warn, info, debug, trace")
	flags.Int("device", 0, "secrets slot to emulate (0-9)")
	flags.BoolP("verbose", "v", false, "debug logging for every scope")

	for key, name := range map[string]string{
		"config":        "config",
		"log_level":     "log-level",
		"chosen_device": "device",
		"verbose":       "verbose",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PGPEMU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newRunCmd(), newSecretsCmd(), newConfigCmd())
	return root
}

// loadConfig loads the config from --config or PGPEMU_CONFIG, falling back
// to the default config path or built-in defaults, then applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	if viper.IsSet("log_level") {
		cfg.LogLevel = viper.GetString("log_level")
	}
	if viper.IsSet("chosen_device") {
		cfg.ChosenDevice = viper.GetInt("chosen_device")
	}
	if viper.IsSet("verbose") {
		cfg.Verbose = viper.GetBool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	title.Println("=== pgpemu ===")
	fmt.Printf("  Name:        %s\n", cfg.BLE.LocalName)
	fmt.Printf("  Device:      slot %d\n", cfg.ChosenDevice)
	fmt.Printf("  Secrets:     %s\n", cfg.SecretsPath)
	fmt.Printf("  Connections: max %d, target %d\n", cfg.BLE.MaxConnections, cfg.BLE.TargetActiveConnections)
	if cfg.Handshake.Timeout > 0 {
		fmt.Printf("  Timeout:     %s\n", cfg.Handshake.Timeout)
	}
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	if cfg.Handshake.DebugFixedValues {
		color.Yellow("  WARNING: fixed handshake values enabled, do not use outside testing")
	}
	title.Println("==============")
}
