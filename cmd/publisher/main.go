// Unbound publisher sidecar: receives framed side effects from the daemon
// over a unix socket and publishes them to the realtime relay.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/imbhargav5/unbound.computer-sub014/internal/config"
	"github.com/imbhargav5/unbound.computer-sub014/internal/identity"
	"github.com/imbhargav5/unbound.computer-sub014/internal/relay"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadPublisher()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	deviceID, err := identity.LoadOrCreateDeviceID(cfg.BaseDir)
	if err != nil {
		slog.Error("Failed to establish device identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting publisher sidecar", "device_id", deviceID)

	pub, err := relay.NewPublisher(relay.PublisherOptions{
		BrokerSocketPath: cfg.BrokerSocketPath,
		BrokerToken:      cfg.BrokerToken,
		DeviceID:         deviceID,
	})
	if err != nil {
		slog.Error("Failed to create relay publisher", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = pub.Connect(connectCtx)
	cancel()
	if err != nil {
		slog.Error("Relay connection failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay connected")

	if cfg.UserID != "" {
		if err := relay.AnnouncePresence(ctx, pub, cfg.UserID, deviceID, relay.PresenceOnline); err != nil {
			slog.Warn("Presence announce failed", "error", err)
		}
	}

	srv := relay.NewServer(cfg.SidecarSocketPath, pub)
	if err := srv.Start(); err != nil {
		slog.Error("Failed to start sidecar server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if cfg.UserID != "" {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := relay.AnnouncePresence(offCtx, pub, cfg.UserID, deviceID, relay.PresenceOffline); err != nil {
			slog.Warn("Offline presence failed", "error", err)
		}
		cancel()
	}

	if err := srv.Close(); err != nil {
		slog.Warn("Sidecar server close", "error", err)
	}
	slog.Info("Publisher stopped")
}
