// Package config provides configuration loading for the session bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the session bridge.
type Config struct {
	// HTTP server settings (browser WebSocket + health endpoints)
	Port int
	Host string

	// CLIListenAddr is where direct-socket CLI backends connect and speak
	// newline-delimited JSON. A value containing "/" is treated as a unix
	// socket path, anything else as a TCP host:port.
	CLIListenAddr string

	// DBPath is the SQLite database file for session persistence.
	DBPath string

	// JWT settings. An empty JWKSEndpoint disables browser authentication
	// (local development).
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string

	// Relay protocol tuning
	EventBufferSize   int // browser event replay window
	ProcessedIDCap    int // idempotency guard capacity
	BrowserSendBuffer int // per-browser-socket channel depth
	WSReadBufferSize  int
	WSWriteBufferSize int

	// AllowedOrigins lists origins accepted for browser WebSocket upgrades.
	// Supports wildcard subdomain patterns like "https://*.example.com".
	AllowedOrigins []string

	// RecorderPath enables raw-traffic recording to a JSONL file when set.
	RecorderPath string

	// GitExecTimeout bounds individual git subcommands during git-info
	// resolution.
	GitExecTimeout time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("BRIDGE_PORT", 8080),
		Host: getEnv("BRIDGE_HOST", "0.0.0.0"),

		CLIListenAddr: getEnv("CLI_LISTEN_ADDR", "/tmp/session-bridge.sock"),

		DBPath: getEnv("DB_PATH", "session-bridge.db"),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "session-bridge"),

		EventBufferSize:   getEnvInt("EVENT_BUFFER_SIZE", 600),
		ProcessedIDCap:    getEnvInt("PROCESSED_ID_CAP", 1000),
		BrowserSendBuffer: getEnvInt("BROWSER_SEND_BUFFER", 256),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "*")),

		RecorderPath: getEnv("RECORDER_PATH", ""),

		GitExecTimeout: getEnvDuration("GIT_EXEC_TIMEOUT", 5*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.EventBufferSize <= 0 {
		return nil, fmt.Errorf("EVENT_BUFFER_SIZE must be positive")
	}
	if cfg.ProcessedIDCap <= 0 {
		return nil, fmt.Errorf("PROCESSED_ID_CAP must be positive")
	}
	if cfg.JWKSEndpoint != "" && cfg.JWTIssuer == "" {
		return nil, fmt.Errorf("JWT_ISSUER is required when JWKS_ENDPOINT is set")
	}

	return cfg, nil
}

// CLIListenNetwork returns the net.Listen network for CLIListenAddr.
func (c *Config) CLIListenNetwork() string {
	if strings.Contains(c.CLIListenAddr, "/") {
		return "unix"
	}
	return "tcp"
}

// splitAndTrim splits a comma-separated list, dropping empty entries.
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
