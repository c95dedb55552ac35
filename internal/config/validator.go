package config

import (
	"fmt"
	"net"
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

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateProxy(&cfg.Proxy, result)
	validateAPI(&cfg.API, cfg.Proxy.ListenPort, result)
	validateMQTT(&cfg.MQTT, result)

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown log level %q, falling back to info", cfg.Logging.Level))
	}

	return result
}

func validateProxy(p *ProxyConfig, result *ValidationResult) {
	if net.ParseIP(p.ListenHost) == nil && p.ListenHost != "" && p.ListenHost != "localhost" {
		result.AddError("proxy.listen_host", fmt.Sprintf("not an IP address: %s", p.ListenHost))
	}
	if strings.TrimSpace(p.UpstreamHost) == "" {
		result.AddError("proxy.upstream_host", "upstream host is required")
	}

	validatePort(p.ListenPort, "proxy.listen_port", result)
	validatePort(p.UpstreamPort, "proxy.upstream_port", result)

	if p.ListenPort == p.UpstreamPort && isLoopback(p.UpstreamHost) {
		result.AddError("proxy.upstream_port", "upstream is the proxy itself")
	}

	if p.DialTimeoutSec < 1 {
		result.AddError("proxy.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
	if p.WriteTimeoutSec < 1 {
		result.AddError("proxy.write_timeout_sec", "write timeout must be at least 1 second")
	}

	if p.MaxFrameSize < 1024 {
		result.AddError("proxy.max_frame_size", "max frame size must be at least 1024 bytes")
	} else if p.MaxFrameSize > 256<<20 {
		result.AddWarning("proxy.max_frame_size",
			fmt.Sprintf("max frame size %d lets a single peer allocate a lot of memory", p.MaxFrameSize))
	}
	if p.CompressionThreshold < 1 {
		result.AddError("proxy.compression_threshold", "compression threshold must be positive")
	} else if p.CompressionThreshold != 8192 {
		result.AddWarning("proxy.compression_threshold", "game clients compress from 8192 bytes; other values change the wire bytes")
	}
	if p.ReadBufferSize < 512 {
		result.AddError("proxy.read_buffer_size", "read buffer must be at least 512 bytes")
	}

	if p.MaxConnPerSecPerIP < 1 {
		result.AddWarning("proxy.max_conn_per_sec_per_ip", "per-IP connection rate limit is disabled")
	}
	if p.MaxConcurrentSession < 1 {
		result.AddError("proxy.max_concurrent_sessions", "must allow at least 1 session")
	}

	if p.IdleTimeoutSec > 0 && p.IdleTimeoutSec < 30 {
		result.AddWarning("proxy.idle_timeout_sec", "idle timeout below 30s may kick loading players")
	}
	if p.HeartbeatIntervalSec < 1 {
		result.AddError("proxy.heartbeat_interval_sec", "heartbeat interval must be at least 1 second")
	}

	if p.QueryEnabled {
		validatePort(p.QueryPort, "proxy.query_port", result)
		if len(p.ServerName) > 255 {
			result.AddError("proxy.server_name", "server name must be at most 255 bytes")
		}
	}
}

func validateAPI(a *APIConfig, proxyPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == proxyPort {
		result.AddError("api.port", "port conflict detected: api and proxy share a port")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if strings.TrimSpace(a.AuthToken) == "" {
		result.AddWarning("api.auth_token", "no auth token set, write endpoints are open")
	}
	if a.TLSEnabled && (strings.TrimSpace(a.CertFile) == "" || strings.TrimSpace(a.KeyFile) == "") {
		result.AddError("api.cert_file", "certificate and key paths are required when TLS is enabled")
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
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
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

func isLoopback(host string) bool {
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
