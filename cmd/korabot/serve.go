package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"korabot/internal/command"
	"korabot/internal/config"
	"korabot/internal/graph"
	"korabot/internal/logging"
	"korabot/internal/memory"
	"korabot/internal/profile"
	"korabot/internal/provider"
	"korabot/internal/webhook"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Messenger webhook server",
		Long:  "Starts the webhook server, loads commands, and schedules page-token maintenance. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadOrDefault()
	if err != nil {
		return err
	}

	log := logging.New(cfg.General.LogLevel, cfg.General.LogFile)

	for _, dir := range []string{cfg.General.DataDir, cfg.Commands.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, log,
		memory.WithHistoryLimit(cfg.Memory.HistoryLimit))
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer store.Close()

	profiles, err := profile.Open(cfg.General.DataDir, log)
	if err != nil {
		return fmt.Errorf("profile store: %w", err)
	}

	graphClient := graph.NewClient(graph.Config{
		AppID:     cfg.Tokens.AppID,
		AppSecret: cfg.Tokens.AppSecret,
	}, profiles, store, log)

	generator, err := provider.New(cfg.Provider, log)
	if err != nil {
		return fmt.Errorf("reply provider: %w", err)
	}

	registry := command.NewRegistry(cfg.Commands.Dir, log)
	command.RegisterBuiltins(registry, command.BuiltinDeps{
		Poster:         graphClient,
		Messenger:      graphClient,
		AdminUIDs:      cfg.General.AdminUIDs,
		InstallOrigins: cfg.Commands.InstallOrigins,
		Integrations:   cfg.Integrations,
		Logger:         log,
	})
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load commands: %w", err)
	}
	log.Info("commands loaded", "count", len(registry.List()))

	dispatcher := command.NewDispatcher(command.DispatcherConfig{
		Registry:  registry,
		Store:     store,
		Messenger: graphClient,
		Generator: generator,
		Prefix:    cfg.General.Prefix,
		Logger:    log,
	})

	server := webhook.NewServer(webhook.Config{
		Port:      cfg.Server.Port,
		AdminCode: cfg.Server.AdminCode,
		Logger:    log,
	}, dispatcher, profiles, graphClient, store)

	maintenance := tokenMaintenance{
		graph:    graphClient,
		profiles: profiles,
		store:    store,
		logger:   log,
	}
	if cfg.Tokens.ValidateOnStart {
		go maintenance.run(ctx)
	}
	if sched := startTokenCron(cfg, maintenance, log); sched != nil {
		defer func() { <-sched.Stop().Done() }()
	}

	log.Info("korabot started", "version", version, "port", cfg.Server.Port, "prefix", cfg.General.Prefix)
	return server.Start(ctx)
}

// startTokenCron schedules periodic token validation. Returns nil when no
// schedule is configured.
func startTokenCron(cfg *config.Config, m tokenMaintenance, log *slog.Logger) *cron.Cron {
	if cfg.Tokens.RefreshSchedule == "" {
		return nil
	}

	sched := cron.New()
	_, err := sched.AddFunc(cfg.Tokens.RefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.run(ctx)
	})
	if err != nil {
		log.Error("invalid token refresh schedule", "schedule", cfg.Tokens.RefreshSchedule, "err", err)
		return nil
	}
	sched.Start()
	log.Info("token maintenance scheduled", "schedule", cfg.Tokens.RefreshSchedule)
	return sched
}

// tokenMaintenance validates every configured profile's page token and
// refreshes the ones that expired, when a refresh credential is on file.
type tokenMaintenance struct {
	graph    *graph.Client
	profiles *profile.Store
	store    *memory.SQLiteStore
	logger   *slog.Logger
}

func (m tokenMaintenance) run(ctx context.Context) {
	for _, p := range m.profiles.Configured() {
		valid, err := m.graph.ValidateToken(ctx, p.PageAccessToken)
		if err != nil {
			m.logger.Error("token check failed", "profile", p.ID, "err", err)
			continue
		}
		if valid {
			m.logger.Info("page token valid", "profile", p.ID)
			continue
		}

		info, ok := m.profiles.Refresh(p.ID)
		if !ok || info.RefreshToken == "" {
			m.logger.Warn("page token invalid and no refresh token on file", "profile", p.ID)
			continue
		}
		if _, err := m.graph.RefreshToken(ctx, p.ID, info.RefreshToken); err != nil {
			m.logger.Error("token refresh failed", "profile", p.ID, "err", err)
			continue
		}
		// Mirror the refresh bookkeeping into the database for status checks.
		if updated, ok := m.profiles.Refresh(p.ID); ok {
			if err := m.store.SaveTokenRefresh(ctx, p.ID, updated); err != nil {
				m.logger.Warn("cannot record token refresh", "profile", p.ID, "err", err)
			}
		}
	}
}
