// Package config provides configuration management for the bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Store    StoreConfig    `mapstructure:"store"`
	Control  ControlConfig  `mapstructure:"control"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// GatewayConfig holds the gateway connection configuration.
type GatewayConfig struct {
	URL                  string `mapstructure:"url"`
	Token                string `mapstructure:"token"`
	ReconnectIntervalMs  int    `mapstructure:"reconnectIntervalMs"`
	MaxReconnectAttempts int    `mapstructure:"maxReconnectAttempts"` // 0 = unlimited
	RequestTimeoutMs     int    `mapstructure:"requestTimeoutMs"`
}

// StoreConfig holds the state-store connection and batching configuration.
type StoreConfig struct {
	URL             string `mapstructure:"url"`
	Secret          string `mapstructure:"secret"`
	BatchSize       int    `mapstructure:"batchSize"`
	BatchIntervalMs int    `mapstructure:"batchIntervalMs"`
}

// ControlConfig holds the control-plane HTTP server configuration.
type ControlConfig struct {
	Port         int    `mapstructure:"port"`
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"maxBodyBytes"`
}

// NotifierConfig holds the notification daemon configuration.
type NotifierConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	PollBatchSize  int `mapstructure:"pollBatchSize"`
	RetryBackoffMs int `mapstructure:"retryBackoffMs"`
}

// BridgeConfig holds event-pipeline and presence tracking configuration.
type BridgeConfig struct {
	HistoryLimit   int               `mapstructure:"historyLimit"`
	GapThresholdMs int               `mapstructure:"gapThresholdMs"`
	BusyWindowMs   int               `mapstructure:"busyWindowMs"`
	AgentAliases   map[string]string `mapstructure:"agentAliases"`
}

// NATSConfig holds the event mirror bus configuration.
// Empty URL means the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReconnectInterval returns the reconnect base delay as a time.Duration.
func (g *GatewayConfig) ReconnectInterval() time.Duration {
	return time.Duration(g.ReconnectIntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (g *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMs) * time.Millisecond
}

// BatchInterval returns the flush interval as a time.Duration.
func (s *StoreConfig) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalMs) * time.Millisecond
}

// PollInterval returns the notification poll interval as a time.Duration.
func (n *NotifierConfig) PollInterval() time.Duration {
	return time.Duration(n.PollIntervalMs) * time.Millisecond
}

// RetryBackoff returns the per-notification retry backoff as a time.Duration.
func (n *NotifierConfig) RetryBackoff() time.Duration {
	return time.Duration(n.RetryBackoffMs) * time.Millisecond
}

// GapThreshold returns the resync gap threshold as a time.Duration.
func (b *BridgeConfig) GapThreshold() time.Duration {
	return time.Duration(b.GapThresholdMs) * time.Millisecond
}

// BusyWindow returns the busy-activity window as a time.Duration.
func (b *BridgeConfig) BusyWindow() time.Duration {
	return time.Duration(b.BusyWindowMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.url", "ws://localhost:8787/ws")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.reconnectIntervalMs", 1000)
	v.SetDefault("gateway.maxReconnectAttempts", 0) // unlimited
	v.SetDefault("gateway.requestTimeoutMs", 10000)

	// State-store defaults
	v.SetDefault("store.url", "")
	v.SetDefault("store.secret", "")
	v.SetDefault("store.batchSize", 50)
	v.SetDefault("store.batchIntervalMs", 1000)

	// Control-plane defaults
	v.SetDefault("control.port", 8790)
	v.SetDefault("control.secret", "")
	v.SetDefault("control.maxBodyBytes", 1048576) // 1 MiB

	// Notifier defaults
	v.SetDefault("notifier.pollIntervalMs", 2000)
	v.SetDefault("notifier.pollBatchSize", 25)
	v.SetDefault("notifier.retryBackoffMs", 5000)

	// Bridge pipeline defaults
	v.SetDefault("bridge.historyLimit", 50)
	v.SetDefault("bridge.gapThresholdMs", 5000)
	v.SetDefault("bridge.busyWindowMs", 120000)
	v.SetDefault("bridge.agentAliases", map[string]string{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bridge-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/bridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("gateway.url", "BRIDGE_GATEWAY_URL", "GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "BRIDGE_GATEWAY_TOKEN", "GATEWAY_TOKEN")
	_ = v.BindEnv("gateway.reconnectIntervalMs", "BRIDGE_GATEWAY_RECONNECT_INTERVAL_MS")
	_ = v.BindEnv("gateway.maxReconnectAttempts", "BRIDGE_GATEWAY_MAX_RECONNECT_ATTEMPTS")
	_ = v.BindEnv("gateway.requestTimeoutMs", "BRIDGE_GATEWAY_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("store.url", "BRIDGE_STORE_URL", "CONVEX_URL")
	_ = v.BindEnv("store.secret", "BRIDGE_STORE_SECRET", "CONVEX_SECRET")
	_ = v.BindEnv("store.batchSize", "BRIDGE_STORE_BATCH_SIZE")
	_ = v.BindEnv("store.batchIntervalMs", "BRIDGE_STORE_BATCH_INTERVAL_MS")
	_ = v.BindEnv("control.port", "BRIDGE_CONTROL_PORT")
	_ = v.BindEnv("control.secret", "BRIDGE_CONTROL_SECRET")
	_ = v.BindEnv("control.maxBodyBytes", "BRIDGE_CONTROL_MAX_BODY_BYTES")
	_ = v.BindEnv("notifier.pollIntervalMs", "BRIDGE_NOTIFIER_POLL_INTERVAL_MS")
	_ = v.BindEnv("notifier.pollBatchSize", "BRIDGE_NOTIFIER_POLL_BATCH_SIZE")
	_ = v.BindEnv("notifier.retryBackoffMs", "BRIDGE_NOTIFIER_RETRY_BACKOFF_MS")
	_ = v.BindEnv("bridge.historyLimit", "BRIDGE_HISTORY_LIMIT")
	_ = v.BindEnv("bridge.gapThresholdMs", "BRIDGE_GAP_THRESHOLD_MS")
	_ = v.BindEnv("bridge.busyWindowMs", "BRIDGE_BUSY_WINDOW_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	}
	if cfg.Gateway.ReconnectIntervalMs <= 0 {
		errs = append(errs, "gateway.reconnectIntervalMs must be positive")
	}
	if cfg.Gateway.MaxReconnectAttempts < 0 {
		errs = append(errs, "gateway.maxReconnectAttempts must be >= 0")
	}
	if cfg.Gateway.RequestTimeoutMs <= 0 {
		errs = append(errs, "gateway.requestTimeoutMs must be positive")
	}

	// Store validation - only if URL is set (bridge can run control-only in dev)
	if cfg.Store.URL != "" && cfg.Store.Secret == "" {
		errs = append(errs, "store.secret is required when store.url is set")
	}
	if cfg.Store.BatchSize <= 0 {
		errs = append(errs, "store.batchSize must be positive")
	}
	if cfg.Store.BatchIntervalMs <= 0 {
		errs = append(errs, "store.batchIntervalMs must be positive")
	}

	if cfg.Control.Port <= 0 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 1 and 65535")
	}
	if cfg.Control.MaxBodyBytes <= 0 {
		errs = append(errs, "control.maxBodyBytes must be positive")
	}

	if cfg.Notifier.PollIntervalMs <= 0 {
		errs = append(errs, "notifier.pollIntervalMs must be positive")
	}
	if cfg.Notifier.PollBatchSize <= 0 {
		errs = append(errs, "notifier.pollBatchSize must be positive")
	}

	if cfg.Bridge.HistoryLimit <= 0 {
		errs = append(errs, "bridge.historyLimit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
