package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/database"
	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/ingest"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/source"
	"github.com/djkubo/admin-hub-sub004/internal/store"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Admin hub contact sync service",
		Long:          `Stages contacts from webhooks, CSV uploads, CRM change capture and payment providers, and merges them into one client directory through resumable sync runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML); defaults and ADMINHUB_* environment apply when empty")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTriggerCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// loadConfig reads the configuration and initialises the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// application holds the components shared by serve and trigger.
type application struct {
	cfg      *config.Config
	store    *store.SQLStore
	registry *source.Registry
	stager   *ingest.Stager
	manager  *sync.Manager
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	db, err := database.NewDatabase(cfg.StateStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	s := store.NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	registry, err := source.NewRegistryFromConfig(cfg.Sources, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	normalizer := identity.NewNormalizer(cfg.Sync.DefaultPhoneRegion)
	resolver := identity.NewResolver(s, normalizer)
	chainer := sync.NewChainer(cfg.Sync.Chain, s, cfg.Server.AuthToken)

	logger.Log.Info("Sync engine ready",
		zap.Strings("sources", registry.Sources()),
		zap.String("chain_mode", cfg.Sync.Chain.Mode),
		zap.String("state_storage", cfg.StateStorage.Type),
	)

	return &application{
		cfg:      cfg,
		store:    s,
		registry: registry,
		stager:   ingest.NewStager(s, normalizer),
		manager:  sync.NewManager(cfg.Sync, s, registry, resolver, chainer, sync.LogNotifier{}),
	}, nil
}

func (a *application) Close() {
	a.manager.Wait()
	if err := a.store.Close(); err != nil {
		logger.Log.Warn("Failed to close state store", zap.Error(err))
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the state store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.NewDatabase(cfg.StateStorage)
			if err != nil {
				return err
			}
			s := store.NewSQLStore(db)
			defer s.Close()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Log.Info("Schema applied", zap.String("state_storage", cfg.StateStorage.Type))
			return nil
		},
	}
}
