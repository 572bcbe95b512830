// Unbound ingress bridge: consumes remote commands from the relay and
// forwards them to the daemon's command socket, one at a time.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/imbhargav5/unbound.computer-sub014/internal/command"
	"github.com/imbhargav5/unbound.computer-sub014/internal/config"
	"github.com/imbhargav5/unbound.computer-sub014/internal/identity"
	"github.com/imbhargav5/unbound.computer-sub014/internal/ingress"
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

	cfg, err := config.LoadIngress()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	deviceID, err := identity.LoadOrCreateDeviceID(cfg.BaseDir)
	if err != nil {
		slog.Error("Failed to establish device identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting ingress bridge", "device_id", deviceID)

	consumer, err := relay.NewConsumer(relay.ConsumerOptions{
		BrokerSocketPath: cfg.BrokerSocketPath,
		BrokerToken:      cfg.BrokerToken,
		DeviceID:         deviceID,
		ChannelName:      relay.RemoteCommandChannel(deviceID),
		EventName:        relay.CommandEvent,
	})
	if err != nil {
		slog.Error("Failed to create relay consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = consumer.Connect(connectCtx)
	cancel()
	if err != nil {
		slog.Error("Relay connection failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Command channel attached", "channel", relay.RemoteCommandChannel(deviceID))

	client := command.NewClient(cfg.CommandSocketPath)
	defer client.Close()

	bridge := ingress.NewBridge(consumer, client)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Bridge stopped", "error", err)
		os.Exit(1)
	}

	slog.Info("Ingress bridge stopped")
}
