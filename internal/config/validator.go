package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServer(&cfg.Server, result)
	validateSession(&cfg.Session, result)
	validateStorage(&cfg.Storage, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)

	if cfg.Health.StatusIntervalSec < 0 || cfg.Health.DiskCheckIntervalSec < 0 {
		result.AddError("health", "check intervals cannot be negative")
	}

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Endpoint) == "" {
		result.AddError("server.endpoint", "server endpoint is required")
	} else if u, err := url.Parse(s.Endpoint); err != nil {
		result.AddError("server.endpoint", fmt.Sprintf("invalid endpoint: %v", err))
	} else {
		switch u.Scheme {
		case "wss":
		case "ws":
			if !isLoopbackHost(u.Hostname()) {
				result.AddWarning("server.endpoint", "unencrypted ws:// endpoint sends the token in clear text")
			}
		default:
			result.AddError("server.endpoint", fmt.Sprintf("unsupported scheme %q (expected ws or wss)", u.Scheme))
		}
		if u.Host == "" {
			result.AddError("server.endpoint", "endpoint has no host")
		}
	}

	if s.AutoConnect && strings.TrimSpace(s.UserID) == "" {
		result.AddError("server.user_id", "user_id is required when auto_connect is enabled")
	}
	if strings.TrimSpace(s.Token) == "" {
		result.AddWarning("server.token", "no token set, the server may reject authentication")
	}
	if s.DialTimeoutMs < 1 {
		result.AddError("server.dial_timeout_ms", "dial timeout must be positive")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	policy := s.Policy()
	if err := policy.Validate(); err != nil {
		result.AddError("session", err.Error())
	} else if n := policy.ReachableAttempts(); n < policy.MaxAttempts {
		result.AddWarning("session.max_attempts", fmt.Sprintf(
			"only %d of %d attempts fit in the %s session timeout, retries end in session expiry",
			n, policy.MaxAttempts, policy.SessionTimeout))
	}

	if s.HeartbeatIntervalMs < 1 {
		result.AddError("session.heartbeat_interval_ms", "heartbeat interval must be positive")
	} else if s.HeartbeatIntervalMs < 1000 {
		result.AddWarning("session.heartbeat_interval_ms", "heartbeat interval under 1s may cause excessive traffic")
	}
	if s.HeartbeatTimeoutMultiple < 1 {
		result.AddError("session.heartbeat_timeout_multiple", "timeout multiple must be at least 1")
	}
	if s.ErrorGraceMs < 0 {
		result.AddError("session.error_grace_ms", "error grace cannot be negative")
	}

	if s.SessionTimeoutMs > 0 && s.SessionTimeoutMs < s.BaseDelayMs {
		result.AddWarning("session.session_timeout_ms", "session timeout is shorter than the first retry delay")
	}
}

func validateStorage(s *StorageConfig, result *ValidationResult) {
	switch s.Backend {
	case StorageSQLite, StorageFile:
		if strings.TrimSpace(s.Path) == "" {
			result.AddError("storage.path", fmt.Sprintf("path is required for the %s backend", s.Backend))
		}
	case StorageMemory:
		result.AddWarning("storage.backend", "memory storage loses the session on restart")
	default:
		result.AddError("storage.backend", fmt.Sprintf("unknown backend %q (expected sqlite, file or memory)", s.Backend))
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}

	validatePort(a.Port, "api.port", result)

	if !isLoopbackHost(a.Host) && strings.TrimSpace(a.AuthToken) == "" {
		result.AddWarning("api.host", fmt.Sprintf("API bound to %s without auth_token", a.Host))
	}
	for _, entry := range a.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("invalid IP or CIDR: %s", entry))
			}
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
	}
	if a.TLSEnabled && (strings.TrimSpace(a.TLSCertFile) == "" || strings.TrimSpace(a.TLSKeyFile) == "") {
		result.AddError("api.tls_cert_file", "certificate and key paths are required when TLS is enabled")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required")
	}
	if m.UseTLS {
		for field, path := range map[string]string{
			"mqtt.cert_file": m.CertFile,
			"mqtt.key_file":  m.KeyFile,
		} {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				result.AddWarning(field, fmt.Sprintf("file does not exist: %s", path))
			}
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
