package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kidfromjupiter/nearby/internal/config"
	"github.com/kidfromjupiter/nearby/internal/keystore"
	"github.com/kidfromjupiter/nearby/internal/keystore/bolt"
	"github.com/kidfromjupiter/nearby/internal/keystore/sqlite"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fastpair-seeker",
		Short:        "Discover and pair with Fast Pair devices over BLE",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/fastpair-seeker/config.yaml)")

	cmd.AddCommand(scanCmd())
	cmd.AddCommand(pairCmd())
	cmd.AddCommand(keysCmd())
	cmd.AddCommand(initCmd())
	return cmd
}

// loadConfig loads the config from the specified path, falling back to
// the default config path and then built-in defaults. Environment
// overrides apply in every case.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		defaultPath := config.DefaultConfigPath()
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}

	var cfg *config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		cfg = c
	} else {
		cfg = config.Default()
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// setup loads the config and installs the default logger.
func setup() (*config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return cfg, nil
}

// openStore opens the account key store selected by store.backend.
func openStore(cfg config.StoreConfig) (keystore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return keystore.NewMemoryStore(), nil
	case "bolt":
		return bolt.New(cfg.Path)
	case "sqlite":
		return sqlite.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
