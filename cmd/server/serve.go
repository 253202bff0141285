package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/api"
	"github.com/djkubo/admin-hub-sub004/internal/ingest"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, continuation workers and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Log.Info("Starting admin hub sync service")

			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			var workers *sync.WorkerPool
			if cfg.Sync.Chain.Mode == "queue" {
				workers = sync.NewWorkerPool(cfg.Workers, app.manager, app.store)
				workers.Start()
				defer workers.Stop()
			}

			scheduler := sync.NewScheduler(cfg.Scheduler, app.manager, app.store)
			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer scheduler.Stop()

			if cfg.Binlog.Enabled {
				listener, err := ingest.NewBinlogListener(cfg.Binlog, app.stager)
				if err != nil {
					return err
				}
				if err := listener.Start(); err != nil {
					return err
				}
				defer listener.Stop()
			}

			handler := api.NewHandler(cfg.Server, app.manager, app.store, app.stager, cfg.Sources.Staging)

			serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			server := &http.Server{
				Addr:         serverAddr,
				Handler:      handler.Routes(),
				ReadTimeout:  cfg.Server.GetReadTimeout(),
				WriteTimeout: cfg.Server.GetWriteTimeout(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Info("Server listening", zap.String("addr", serverAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			// Graceful Shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}

			logger.Log.Info("Shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
			}
			return nil
		},
	}
}
