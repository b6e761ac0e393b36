// Package cmd defines and implements the CLI commands for the mangadl
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astas888/mangadl/internal/config"
	"github.com/astas888/mangadl/internal/counterstore"
	memorystore "github.com/astas888/mangadl/internal/counterstore/memory"
	redisstore "github.com/astas888/mangadl/internal/counterstore/redis"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mangadl",
		Short: "Distributed chapter download worker",
		Long: `mangadl consumes chapter download jobs from a shared Redis queue,
fetches their image pages under an adaptive per-source concurrency budget
shared across all worker processes, and writes them to a hierarchical
directory layout.`,
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mangadl.yaml)")

	cmd.AddCommand(newWorkCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

// initConfig points the global Viper instance at the config file, if any.
// Defaults and env binding are applied later by config.Load.
func initConfig() {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".mangadl")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", v.ConfigFileUsed())
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig builds the typed configuration from the global Viper instance.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newStore instantiates the configured counter store provider.
func newStore(ctx context.Context, cfg config.Config) (counterstore.Store, error) {
	switch cfg.Store.Provider {
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect counter store: %w", err)
		}
		return store, nil
	case "memory":
		// Single-process only; other workers cannot see this state.
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}
}
