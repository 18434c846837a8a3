// Package config handles configuration loading, validation, and persistence
// for tablelink.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablelink-project/tablelink/internal/heartbeat"
	"github.com/tablelink-project/tablelink/internal/reconnect"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 7340
	DefaultMQTTPort   = 8883
)

// Storage backends for the session record.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Config is the root configuration structure for tablelink.
type Config struct {
	mu   sync.RWMutex
	path string

	Server  ServerConfig  `json:"server"`
	Session SessionConfig `json:"session"`
	Storage StorageConfig `json:"storage"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Health  HealthConfig  `json:"health"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig describes the game server connection.
type ServerConfig struct {
	Endpoint      string `json:"endpoint"`
	UserID        string `json:"user_id"`
	Token         string `json:"token"`
	AutoConnect   bool   `json:"auto_connect"`
	DialTimeoutMs int    `json:"dial_timeout_ms"`
}

// SessionConfig holds the reconnection and liveness policy.
type SessionConfig struct {
	BaseDelayMs              int     `json:"base_delay_ms"`
	BackoffFactor            float64 `json:"backoff_factor"`
	MaxDelayMs               int     `json:"max_delay_ms"`
	MaxAttempts              int     `json:"max_attempts"`
	SessionTimeoutMs         int     `json:"session_timeout_ms"`
	HeartbeatIntervalMs      int     `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMultiple int     `json:"heartbeat_timeout_multiple"`
	ErrorGraceMs             int     `json:"error_grace_ms"`
}

// StorageConfig selects where the session record is persisted.
type StorageConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	// TLS files are generated self-signed when missing.
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// HealthConfig holds periodic check intervals. Zero disables a check.
type HealthConfig struct {
	StatusIntervalSec    int `json:"status_interval_sec"`
	DiskCheckIntervalSec int `json:"disk_check_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	policy := reconnect.DefaultPolicy()
	hb := heartbeat.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			AutoConnect:   true,
			DialTimeoutMs: 10000,
		},
		Session: SessionConfig{
			BaseDelayMs:              int(policy.BaseDelay / time.Millisecond),
			BackoffFactor:            policy.Factor,
			MaxDelayMs:               int(policy.MaxDelay / time.Millisecond),
			MaxAttempts:              policy.MaxAttempts,
			SessionTimeoutMs:         int(policy.SessionTimeout / time.Millisecond),
			HeartbeatIntervalMs:      int(hb.Interval / time.Millisecond),
			HeartbeatTimeoutMultiple: hb.TimeoutMultiple,
			ErrorGraceMs:             2000,
		},
		Storage: StorageConfig{
			Backend: StorageSQLite,
			Path:    filepath.Join("data", "session.db"),
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
			TLSCertFile:  filepath.Join(DefaultConfigDir, "tls", "api.crt"),
			TLSKeyFile:   filepath.Join(DefaultConfigDir, "tls", "api.key"),
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        DefaultMQTTPort,
			UseTLS:      true,
			TopicPrefix: "tablelink",
		},
		Health: HealthConfig{
			StatusIntervalSec:    60,
			DiskCheckIntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults if
// it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so fields added in newer versions appear in the file.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file can hold the server token.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer updates the server configuration.
func (c *Config) SetServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
}

// GetSession returns a copy of the session policy configuration.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// GetStorage returns a copy of the storage configuration.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	api.IPWhitelist = append([]string(nil), c.API.IPWhitelist...)
	return api
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetHealth returns a copy of the health check configuration.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Policy converts the session settings into a reconnection policy.
func (s SessionConfig) Policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:      millis(s.BaseDelayMs),
		Factor:         s.BackoffFactor,
		MaxDelay:       millis(s.MaxDelayMs),
		MaxAttempts:    s.MaxAttempts,
		SessionTimeout: millis(s.SessionTimeoutMs),
	}
}

// Heartbeat converts the session settings into heartbeat timing.
func (s SessionConfig) Heartbeat() heartbeat.Config {
	return heartbeat.Config{
		Interval:        millis(s.HeartbeatIntervalMs),
		TimeoutMultiple: s.HeartbeatTimeoutMultiple,
	}
}

// SessionOptions builds connection manager options from the configuration.
func (c *Config) SessionOptions(userAgent string) session.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return session.Options{
		Endpoint:    c.Server.Endpoint,
		Token:       c.Server.Token,
		UserAgent:   userAgent,
		DialTimeout: millis(c.Server.DialTimeoutMs),
		ErrorGrace:  millis(c.Session.ErrorGraceMs),
		Heartbeat:   c.Session.Heartbeat(),
		Policy:      c.Session.Policy(),
	}
}

// LogConfig converts the logging section for util.InitLogger.
func (l LoggingConfig) LogConfig() util.LogConfig {
	return util.LogConfig{
		Level:      l.Level,
		Directory:  l.Directory,
		MaxBackups: l.MaxBackups,
		Console:    l.Console,
	}
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.Endpoint == "" || c.Server.UserID == ""
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
