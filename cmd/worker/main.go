package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/config"
	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/handler"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("worker_id", cfg.Worker.ID))

	nc, err := config.ConnectNATS(cfg.NATS, cfg.App.Name+"-"+cfg.Worker.ID, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	exec, err := executor.NewExecutor(executor.ExecutorConfig{
		ID:         cfg.Worker.ID,
		Capacity:   cfg.Worker.Capacity,
		LogDir:     cfg.Worker.LogDir,
		MaxLogSize: cfg.Worker.MaxLogSize,
		MaxLogAge:  cfg.Worker.MaxLogAge,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := handler.Options{FileBaseDir: cfg.Worker.FileBaseDir}
	if cfg.Worker.EnableContainer {
		containers, err := handler.NewContainerHandler(logger)
		if err != nil {
			logger.Fatal("Failed to create container handler", zap.Error(err))
		}
		defer containers.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = containers.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Fatal("Docker daemon unreachable", zap.Error(err))
		}
		opts.Container = containers
	}
	handler.RegisterDefaults(exec, opts, logger)

	if err := exec.Start(ctx); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}
	defer exec.Stop()

	server, err := executor.NewServer(nc, exec, cfg.Worker.HeartbeatInterval, logger)
	if err != nil {
		logger.Fatal("Failed to create worker server", zap.Error(err))
	}
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker server", zap.Error(err))
	}
	defer server.Stop()

	logger.Info("Worker ready",
		zap.Strings("capabilities", exec.Capabilities()),
		zap.Int("capacity", exec.Capacity()))

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Running tasks are cancelled by exec.Stop after the server stops
	// publishing. The coordinator fails those attempts once heartbeats stop.
	if running := exec.GetRunningTasks(); len(running) > 0 {
		logger.Info("Cancelling running tasks", zap.Int("count", len(running)))
	}
	logger.Info("Worker shutting down gracefully")
}
