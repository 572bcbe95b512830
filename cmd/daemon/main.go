// Unbound session daemon: the device-local control plane for
// multi-device collaborative coding sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/imbhargav5/unbound.computer-sub014/internal/api"
	"github.com/imbhargav5/unbound.computer-sub014/internal/broker"
	"github.com/imbhargav5/unbound.computer-sub014/internal/command"
	"github.com/imbhargav5/unbound.computer-sub014/internal/config"
	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
	"github.com/imbhargav5/unbound.computer-sub014/internal/identity"
	"github.com/imbhargav5/unbound.computer-sub014/internal/outbox"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
	"github.com/imbhargav5/unbound.computer-sub014/internal/uploader"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadDaemon()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	deviceID, err := identity.LoadOrCreateDeviceID(cfg.BaseDir)
	if err != nil {
		slog.Error("Failed to establish device identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting daemon", "device_id", deviceID, "http_addr", cfg.HTTPAddr)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Composite sink: local broadcast hub plus the hot-path socket to the
	// publisher sidecar. The cold path derives its work from the store, so
	// it needs no sink of its own.
	hub := api.NewHub()
	socketSink := effect.NewSocketSink(cfg.SidecarSocketPath)
	defer socketSink.Close()
	sink := effect.NewComposite(hub, socketSink)

	eng, err := engine.Recover(context.Background(), repo, sink)
	if err != nil {
		slog.Error("Recovery failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine recovered", "sessions", len(eng.Snapshot().Sessions))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cold path: outbox over sync_state cursors, drained by the uploader.
	var up *uploader.Uploader[*outbox.MessageBatch]
	if cfg.IngestURL != "" {
		ob := outbox.New(repo, outbox.Options{
			IngestURL:  cfg.IngestURL,
			DeviceID:   deviceID,
			BatchSize:  cfg.BatchSize,
			MaxRetries: cfg.UploadRetries,
		})
		upCfg := uploader.DefaultConfig()
		upCfg.MaxInFlight = cfg.MaxInFlight
		upCfg.PollInterval = cfg.PollInterval
		up = uploader.New(upCfg, ob.Callbacks())
		up.Start(ctx)
		slog.Info("Uploader started", "ingest_url", cfg.IngestURL, "max_in_flight", cfg.MaxInFlight)
	} else {
		slog.Info("Cold path disabled (UNBOUND_INGEST_URL not set)")
	}

	// Token broker. Sidecars authenticate with per-audience tokens handed
	// out through files under the base dir.
	var minter broker.Minter
	if cfg.AblyAPIKey != "" {
		minter, err = broker.NewAblyMinter(cfg.AblyAPIKey)
		if err != nil {
			slog.Error("Failed to initialize token minter", "error", err)
			os.Exit(1)
		}
	}
	brokerSrv := broker.NewServer(cfg.BrokerSocketPath, deviceID, minter)
	if err := brokerSrv.Start(); err != nil {
		slog.Error("Failed to start token broker", "error", err)
		os.Exit(1)
	}
	defer brokerSrv.Close()

	if err := writeBrokerTokens(cfg.BaseDir, brokerSrv); err != nil {
		slog.Error("Failed to persist broker tokens", "error", err)
		os.Exit(1)
	}

	// Command socket for the ingress bridge.
	cmdSrv := command.NewServer(cfg.CommandSocketPath, command.NewEngineDecider(eng))
	if err := cmdSrv.Start(); err != nil {
		slog.Error("Failed to start command server", "error", err)
		os.Exit(1)
	}
	defer cmdSrv.Close()

	// Local HTTP read surface.
	handler := api.NewHandler(eng, repo, hub, cfg.AllowedOrigins)
	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler.Router(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: live websocket streams stay open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if up != nil {
		up.Stop()
		slog.Info("Uploader drained")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Daemon stopped")
}

// writeBrokerTokens hands the per-audience broker tokens to the sidecars
// through files only this user can read.
func writeBrokerTokens(baseDir string, srv *broker.Server) error {
	tokens := map[string]string{
		"publisher.token": srv.BrokerToken(broker.AudiencePublisher),
		"ingress.token":   srv.BrokerToken(broker.AudienceIngress),
	}
	for name, token := range tokens {
		if err := os.WriteFile(filepath.Join(baseDir, name), []byte(token+"\n"), 0o600); err != nil {
			return err
		}
	}
	return nil
}
