// Package main is the entry point for the notification daemon: a secondary
// process that delivers pending state-store notifications to live agent
// sessions over the gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/common/config"
	"github.com/missionctl/bridge/internal/common/logger"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
	"github.com/missionctl/bridge/internal/notifier"
	"github.com/missionctl/bridge/internal/statestore"
)

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

	log.Info("Starting notification daemon", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := gwclient.New(gwclient.Config{
		URL:                  cfg.Gateway.URL,
		Token:                cfg.Gateway.Token,
		ClientID:             "mission-control-notifier",
		ClientVersion:        version,
		ReconnectInterval:    cfg.Gateway.ReconnectInterval(),
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
		RequestTimeout:       cfg.Gateway.RequestTimeout(),
	}, log)

	store := statestore.New(cfg.Store.URL, cfg.Store.Secret, log)

	daemon := notifier.New(cfg.Notifier, cfg.Bridge.AgentAliases, gateway, store, log)
	if err := daemon.Start(ctx); err != nil {
		log.Fatal("Failed to start notification daemon", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-daemon.Fatal():
		log.Error("Notification daemon hit a fatal error", zap.Error(err))
		exitCode = 1
	}

	log.Info("Shutting down notification daemon...")
	cancel()
	daemon.Stop()

	log.Info("Notification daemon stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
