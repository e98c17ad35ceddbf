// Package main provides the entry point for the agent run service: the HTTP API
// with its live progress streams, standalone executor workers and a terminal
// client for watching a run.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "agentruns",
	Short: "Agent run orchestration service",
	Long: "agentruns stores agent execution plans as runs, hands them to executor workers " +
		"and streams their progress to clients over Server-Sent Events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the --config file, the environment and the
// command's flags. flags maps config keys to flag names; only flags the user
// set override the other layers.
func loadConfig(cmd *cobra.Command, flags map[string]string) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	if err := config.ReadFile(v, configFile); err != nil {
		return nil, err
	}
	for key, name := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return config.Load(v)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
