// Package main is the entry point for the mission-control bridge: the
// long-running process that relays gateway activity into the state store and
// serves the operator control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/bridge"
	"github.com/missionctl/bridge/internal/common/config"
	"github.com/missionctl/bridge/internal/common/logger"
	mirrorevents "github.com/missionctl/bridge/internal/events"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
	"github.com/missionctl/bridge/internal/statestore"
)

// version is stamped at build time.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting mission-control bridge", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := mirrorevents.NewBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	gateway := gwclient.New(gwclient.Config{
		URL:                  cfg.Gateway.URL,
		Token:                cfg.Gateway.Token,
		ClientID:             "mission-control-bridge",
		ClientVersion:        version,
		ReconnectInterval:    cfg.Gateway.ReconnectInterval(),
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
		RequestTimeout:       cfg.Gateway.RequestTimeout(),
	}, log)

	store := statestore.New(cfg.Store.URL, cfg.Store.Secret, log)
	mirror := mirrorevents.NewMirror(eventBus, log)

	svc := bridge.New(cfg, gateway, store, mirror, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start bridge", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-svc.Fatal():
		log.Error("Bridge hit a fatal error", zap.Error(err))
		exitCode = 1
	}

	log.Info("Shutting down bridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	svc.Stop(shutdownCtx)

	log.Info("Bridge stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
