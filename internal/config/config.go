// Package config loads agent configuration from environment variables and
// layers credential-store overrides on top once the local store is open.
//
// Loading order:
//  1. Load from .env file (if present)
//  2. Read environment variables with defaults
//  3. UpdateFromCredentials layers the encrypted credential bundle on top,
//     once internal/audit has opened the local store (credential values
//     there take precedence over env vars, the same precedence the
//     settings-database override has in the reference fleet this agent
//     is descended from)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds agent-wide configuration.
type Config struct {
	DataDir              string        // base directory for persisted state, always absolute
	AgentID              string        // agent identifier reported to the control plane
	ControlPlaneURL      string        // base URL of the control-plane REST surface
	PushChannelURL       string        // base URL of the push-channel websocket endpoint
	APIKey               string        // control-plane API key (may be overridden by the credential store)
	APISecret            string        // control-plane API secret, signs outbound requests
	SharedSecret         string        // terminal bridge shared secret, signs bridge frames
	TerminalBridgeAddr   string        // host:port of the terminal bridge, dialed over TCP
	BridgePoolSize       int           // number of pooled bridge endpoints
	HeartbeatInterval    time.Duration // HEARTBEAT_INTERVAL_SECONDS; not read by internal/controlplane, whose heartbeat cadence is a fixed 30s
	PollFallbackInterval time.Duration // POLL_FALLBACK_INTERVAL_SECONDS; not read by internal/controlplane, whose fallback poll cadence is a fixed 15s
	OperatorHTTPAddr     string        // loopback address for the operator HTTP surface
	LogLevel             string        // debug, info, warn, error
	DevMode              bool
	BackupBucket         string // S3 bucket for audit-log segment replication; empty disables backup
	BackupPrefix         string // key prefix within BackupBucket
	BackupCron           string // cron schedule for the backup housekeeping job
}

// Load reads configuration from environment variables (after loading a
// .env file if present) and resolves the data directory.
//
// dataDirOverride, if non-empty, takes priority over AGENT_DATA_DIR and the
// platform default.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("AGENT_DATA_DIR", "")
		if dataDir == "" {
			dataDir = defaultDataDir()
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		AgentID:              getEnv("AGENT_ID", ""),
		ControlPlaneURL:      getEnv("CONTROL_PLANE_URL", "https://control.example.invalid"),
		PushChannelURL:       getEnv("PUSH_CHANNEL_URL", "wss://control.example.invalid/push"),
		APIKey:               getEnv("AGENT_API_KEY", ""),
		APISecret:            getEnv("AGENT_API_SECRET", ""),
		SharedSecret:         getEnv("BRIDGE_SHARED_SECRET", ""),
		TerminalBridgeAddr:   getEnv("TERMINAL_BRIDGE_ADDR", "127.0.0.1:9443"),
		BridgePoolSize:       getEnvAsInt("BRIDGE_POOL_SIZE", 3),
		HeartbeatInterval:    time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		PollFallbackInterval: time.Duration(getEnvAsInt("POLL_FALLBACK_INTERVAL_SECONDS", 15)) * time.Second,
		OperatorHTTPAddr:     getEnv("OPERATOR_HTTP_ADDR", "127.0.0.1:8700"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		BackupBucket:         getEnv("AUDIT_BACKUP_BUCKET", ""),
		BackupPrefix:         getEnv("AUDIT_BACKUP_PREFIX", "sentinel-agent"),
		BackupCron:           getEnv("AUDIT_BACKUP_CRON", "0 3 * * *"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// CredentialSource supplies overrides loaded from the encrypted local
// credential bundle (internal/audit). A nil pointer value means "absent",
// matching the settings-repository contract this is modeled on.
type CredentialSource interface {
	Get(key string) (*string, error)
}

// UpdateFromCredentials layers values from the credential store over the
// environment-derived defaults. Credential-store values take precedence;
// an absent or empty value keeps whatever was already loaded.
func (c *Config) UpdateFromCredentials(store CredentialSource) error {
	for key, dst := range map[string]*string{
		"api_key":       &c.APIKey,
		"api_secret":    &c.APISecret,
		"shared_secret": &c.SharedSecret,
	} {
		val, err := store.Get(key)
		if err != nil {
			return fmt.Errorf("failed to get %s from credential store: %w", key, err)
		}
		if val != nil && *val != "" {
			*dst = *val
		}
	}
	return nil
}

// Validate checks the loaded configuration. No field is required at load
// time, so it always returns nil.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		// Credentials may still arrive via /agent/register at runtime, so
		// a missing id is not fatal at load time.
		return nil
	}
	return nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sentinel-agent", "data")
	}
	return "./data"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
