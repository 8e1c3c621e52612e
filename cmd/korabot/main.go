package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"korabot/internal/config"
	"korabot/internal/domain"
	"korabot/internal/memory"
	"korabot/internal/profile"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Local .env files are a convenience for development; absence is fine.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "korabot",
		Short:   "KoraBot: Facebook Messenger AI chatbot",
		Long:    "KoraBot is a Facebook Messenger chatbot with prefix-triggered commands and Gemini-powered replies.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.korabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadOrDefault loads the config file, falling back to defaults (with env
// overrides applied) when the file does not exist yet.
func loadOrDefault() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Warn("config not found, using defaults", "path", cfgPath)
	cfg = config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	config.ExpandPaths(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config and create data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}

			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.DataDir, cfg.Commands.Dir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "data", cfg.General.DataDir, "commands", cfg.Commands.Dir)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, database, and profile status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault()
			if err != nil {
				return err
			}
			logger.Info("config", "path", resolveConfigPath(), "provider", cfg.Provider.Name, "port", cfg.Server.Port)

			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				logger.Error("database", "path", cfg.Memory.DBPath, "reachable", false, "err", err)
			} else {
				logger.Info("database", "path", cfg.Memory.DBPath, "reachable", true)
				if info, err := store.TokenRefresh(cmd.Context(), domain.DefaultProfileID); err == nil && info != nil {
					logger.Info("page token", "lastRefresh", info.LastRefresh, "expiresAt", info.ExpiresAt)
				}
				store.Close()
			}

			profiles, err := profile.Open(cfg.General.DataDir, logger)
			if err != nil {
				return err
			}
			logger.Info("profiles", "total", len(profiles.All()), "configured", len(profiles.Configured()))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
