package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourorg/devsync/gateway/internal/app"
	"github.com/yourorg/devsync/gateway/internal/config"
	"github.com/yourorg/devsync/gateway/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	slog.SetDefault(logger)

	slog.Info("Starting gateway",
		"listen_addr", cfg.Server.ListenAddr,
		"admin_addr", cfg.Admin.ListenAddr,
		"upstreams", len(cfg.Upstream.Endpoints),
		"websocket_prefix", cfg.WebSocket.Prefix,
	)

	gw := app.New(cfg, logger)
	if err := gw.Err(); err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), gw.StartTimeout())
	defer cancel()
	if err := gw.Start(startCtx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	slog.Info("Gateway started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("Shutting down gateway")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), gw.StopTimeout())
	defer stopCancel()
	if err := gw.Stop(stopCtx); err != nil {
		slog.Error("Gateway shutdown incomplete", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped")
}
