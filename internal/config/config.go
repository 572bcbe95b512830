// Package config provides configuration for the daemon and its sidecars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults for the daemon's on-disk layout. Everything lives under the
// base dir so a single directory holds the whole device state.
const (
	defaultHTTPAddr      = "127.0.0.1:7600"
	defaultBatchSize     = 50
	defaultMaxInFlight   = 4
	defaultPollInterval  = 500 * time.Millisecond
	defaultUploadRetries = 20
)

// Daemon holds the session daemon's configuration.
type Daemon struct {
	BaseDir  string
	DBPath   string
	HTTPAddr string

	// Unix sockets served (command, broker) or dialed (sidecar).
	CommandSocketPath string
	BrokerSocketPath  string
	SidecarSocketPath string

	// Cold path.
	IngestURL     string
	BatchSize     int
	MaxInFlight   int
	PollInterval  time.Duration
	UploadRetries int

	// Relay credentials, minted through the broker.
	AblyAPIKey string
	UserID     string

	AllowedOrigins []string
}

// Publisher holds the publisher sidecar's configuration.
type Publisher struct {
	BaseDir           string
	SidecarSocketPath string
	BrokerSocketPath  string
	BrokerToken       string
	UserID            string
}

// Ingress holds the ingress bridge's configuration.
type Ingress struct {
	BaseDir           string
	CommandSocketPath string
	BrokerSocketPath  string
	BrokerToken       string
}

// BaseDir resolves the device state directory.
func BaseDir() string {
	if dir := getEnv("UNBOUND_BASE_DIR", ""); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".unbound"
	}
	return filepath.Join(home, ".unbound")
}

// LoadDaemon reads the daemon configuration from the environment.
func LoadDaemon() (*Daemon, error) {
	base := BaseDir()
	cfg := &Daemon{
		BaseDir:           base,
		DBPath:            getEnv("UNBOUND_DB_PATH", filepath.Join(base, "sessions.db")),
		HTTPAddr:          getEnv("UNBOUND_HTTP_ADDR", defaultHTTPAddr),
		CommandSocketPath: getEnv("UNBOUND_COMMAND_SOCKET", filepath.Join(base, "commands.sock")),
		BrokerSocketPath:  getEnv("UNBOUND_BROKER_SOCKET", filepath.Join(base, "broker.sock")),
		SidecarSocketPath: getEnv("UNBOUND_SIDECAR_SOCKET", filepath.Join(base, "publisher.sock")),
		IngestURL:         getEnv("UNBOUND_INGEST_URL", ""),
		BatchSize:         getEnvInt("UNBOUND_BATCH_SIZE", defaultBatchSize),
		MaxInFlight:       getEnvInt("UNBOUND_MAX_IN_FLIGHT", defaultMaxInFlight),
		PollInterval:      getEnvDuration("UNBOUND_POLL_INTERVAL", defaultPollInterval),
		UploadRetries:     getEnvInt("UNBOUND_UPLOAD_RETRIES", defaultUploadRetries),
		AblyAPIKey:        getEnv("UNBOUND_ABLY_API_KEY", ""),
		UserID:            getEnv("UNBOUND_USER_ID", ""),
		// Empty means localhost origins only; the daemon binds loopback.
		AllowedOrigins:    splitList(getEnv("UNBOUND_ALLOWED_ORIGINS", "")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the daemon configuration is usable.
func (c *Daemon) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("UNBOUND_DB_PATH cannot be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("UNBOUND_HTTP_ADDR cannot be empty")
	}
	if c.CommandSocketPath == "" || c.BrokerSocketPath == "" || c.SidecarSocketPath == "" {
		return fmt.Errorf("socket paths cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("UNBOUND_BATCH_SIZE must be > 0")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("UNBOUND_MAX_IN_FLIGHT must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("UNBOUND_POLL_INTERVAL must be > 0")
	}
	return nil
}

// LoadPublisher reads the publisher sidecar configuration.
func LoadPublisher() (*Publisher, error) {
	base := BaseDir()
	cfg := &Publisher{
		BaseDir:           base,
		SidecarSocketPath: getEnv("UNBOUND_SIDECAR_SOCKET", filepath.Join(base, "publisher.sock")),
		BrokerSocketPath:  getEnv("UNBOUND_BROKER_SOCKET", filepath.Join(base, "broker.sock")),
		BrokerToken:       getEnv("UNBOUND_BROKER_TOKEN", ""),
		UserID:            getEnv("UNBOUND_USER_ID", ""),
	}
	if cfg.BrokerToken == "" {
		return nil, fmt.Errorf("invalid configuration: UNBOUND_BROKER_TOKEN cannot be empty")
	}
	return cfg, nil
}

// LoadIngress reads the ingress bridge configuration.
func LoadIngress() (*Ingress, error) {
	base := BaseDir()
	cfg := &Ingress{
		BaseDir:           base,
		CommandSocketPath: getEnv("UNBOUND_COMMAND_SOCKET", filepath.Join(base, "commands.sock")),
		BrokerSocketPath:  getEnv("UNBOUND_BROKER_SOCKET", filepath.Join(base, "broker.sock")),
		BrokerToken:       getEnv("UNBOUND_BROKER_TOKEN", ""),
	}
	if cfg.BrokerToken == "" {
		return nil, fmt.Errorf("invalid configuration: UNBOUND_BROKER_TOKEN cannot be empty")
	}
	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
