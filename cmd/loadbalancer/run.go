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

	"github.com/KevenLi8888/simple-load-balancer/internal/adminapi"
	"github.com/KevenLi8888/simple-load-balancer/internal/config"
	"github.com/KevenLi8888/simple-load-balancer/internal/healthcheck"
	"github.com/KevenLi8888/simple-load-balancer/internal/logging"
	"github.com/KevenLi8888/simple-load-balancer/internal/proxy"
	"github.com/KevenLi8888/simple-load-balancer/internal/registry"
	"github.com/KevenLi8888/simple-load-balancer/internal/router"
	"github.com/KevenLi8888/simple-load-balancer/internal/stickysession"
)

// shutdownGrace bounds how long in-flight requests are given to finish
// once a termination signal is received.
const shutdownGrace = 10 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the load balancer, admin API, and health checker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func runServer(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logger.Sync()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	reg, err := registry.Connect(connectCtx, cfg.MongoDB.Host, cfg.MongoDB.Name, cfg.MongoDB.Username, cfg.MongoDB.Password)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connecting to registry: %w", err)
	}
	logger.Info("connected to registry", zap.String("host", cfg.MongoDB.Host), zap.String("database", cfg.MongoDB.Name))

	if err := reg.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensuring registry indexes: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := healthcheck.New(reg, cfg.HealthCheck.Interval.AsDuration(), cfg.HealthCheck.Retries, cfg.HealthCheck.Timeout.AsDuration(), logger)
	go checker.Run(runCtx)
	logger.Info("health checker started")

	sticky := stickysession.New(cfg.Sticky.TTL.AsDuration(), cfg.Sticky.CleanupInterval.AsDuration())
	forwarder := proxy.NewForwarder(cfg.LB.Timeout.AsDuration())
	rt := router.New(reg, sticky, forwarder, logger)
	rt.SetUnhealthyMarker(checker)

	lbServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.LB.Host, cfg.LB.Port),
		Handler: rt,
	}
	apiServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler: adminapi.NewRouter(reg),
	}

	serverErrs := make(chan error, 2)
	go func() {
		logger.Info("starting load balancer", zap.String("addr", lbServer.Addr))
		if err := lbServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("load balancer server: %w", err)
		}
	}()
	go func() {
		logger.Info("starting admin api", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("admin api server: %w", err)
		}
	}()

	select {
	case <-runCtx.Done():
		logger.Info("shutting down servers")
	case err := <-serverErrs:
		logger.Error("server error, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	checker.Stop()
	lbServer.Shutdown(shutdownCtx)
	apiServer.Shutdown(shutdownCtx)
	return reg.Close(shutdownCtx)
}
