package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wahub-labs/wa-device-hub/internal/config"
	"github.com/wahub-labs/wa-device-hub/internal/events"
	"github.com/wahub-labs/wa-device-hub/internal/manager"
	"github.com/wahub-labs/wa-device-hub/internal/protocol/waproto"
	"github.com/wahub-labs/wa-device-hub/internal/server"
	"github.com/wahub-labs/wa-device-hub/internal/service"
	"github.com/wahub-labs/wa-device-hub/internal/sessioncrypt"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
	"github.com/wahub-labs/wa-device-hub/internal/storage/bolt"
	"github.com/wahub-labs/wa-device-hub/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := events.New(cfg.Events.Buffer, logger)
	dialer := waproto.NewDialer(cfg.Sessions.Dir, cfg.Protocol.LogLevel)
	sealer := sessioncrypt.New(cfg.Crypto.SessionKey)

	mgr := manager.New(store, dialer, bus, sealer, logger, manager.Config{
		Domain:         cfg.Protocol.Domain,
		ReconnectDelay: cfg.Protocol.ReconnectDelay,
	})

	authSvc := service.NewAuthService(cfg)
	deviceSvc := service.NewDeviceService(store, mgr, cfg.Messages.DeviceLimit, cfg.Messages.GlobalLimit)

	srv := server.New(cfg, deviceSvc, authSvc, mgr, bus, logger)

	if err := mgr.Resume(context.Background()); err != nil {
		logger.Error("resume devices", "error", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	waitForSignal()
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	mgr.Shutdown()
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "sqlite" {
		return sqlite.New(cfg.Storage.Path)
	}
	return bolt.New(cfg.Storage.Path)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
