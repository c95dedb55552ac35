// Package config handles configuration loading, validation, and persistence
// for the starrelay proxy.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultListenPort   = 21025
	DefaultUpstreamPort = 21024
	DefaultAPIPort      = 5000
)

// Config is the root configuration structure for starrelay.
type Config struct {
	mu   sync.RWMutex
	path string

	Proxy    ProxyConfig    `json:"proxy"`
	Database DatabaseConfig `json:"database"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

// ProxyConfig holds the listener, upstream and wire settings.
type ProxyConfig struct {
	// Listener
	ListenHost string `json:"listen_host"`
	ListenPort int    `json:"listen_port"`

	// Upstream game server
	UpstreamHost   string `json:"upstream_host"`
	UpstreamPort   int    `json:"upstream_port"`
	DialTimeoutSec int    `json:"dial_timeout_sec"`

	// Wire
	MaxFrameSize         int `json:"max_frame_size"`
	CompressionThreshold int `json:"compression_threshold"`
	ReadBufferSize       int `json:"read_buffer_size"`
	WriteTimeoutSec      int `json:"write_timeout_sec"`

	// Limits
	MaxConnPerSecPerIP   int `json:"max_conn_per_sec_per_ip"`
	MaxConcurrentSession int `json:"max_concurrent_sessions"`
	IdleTimeoutSec       int `json:"idle_timeout_sec"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`

	// Server browser query (UDP)
	QueryEnabled bool   `json:"query_enabled"`
	QueryPort    int    `json:"query_port"`
	ServerName   string `json:"server_name"`

	// Behaviour
	EnforceBans   bool `json:"enforce_bans"`
	LogChat       bool `json:"log_chat"`
	EventPoolSize int  `json:"event_pool_size"`
}

// DatabaseConfig holds the account and ban store settings.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AuthToken      string   `json:"auth_token"`
	MetricsEnabled bool     `json:"metrics_enabled"`
	TLSEnabled     bool     `json:"tls_enabled"`
	CertFile       string   `json:"cert_file"`
	KeyFile        string   `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic_prefix"`
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
	return &Config{
		Proxy: ProxyConfig{
			ListenHost:           "0.0.0.0",
			ListenPort:           DefaultListenPort,
			UpstreamHost:         "127.0.0.1",
			UpstreamPort:         DefaultUpstreamPort,
			DialTimeoutSec:       5,
			MaxFrameSize:         64 << 20,
			CompressionThreshold: 8192,
			ReadBufferSize:       32 << 10,
			WriteTimeoutSec:      10,
			MaxConnPerSecPerIP:   10,
			MaxConcurrentSession: 100,
			IdleTimeoutSec:       300,
			HeartbeatIntervalSec: 30,
			QueryEnabled:         true,
			QueryPort:            DefaultListenPort,
			ServerName:           "starrelay",
			EnforceBans:          true,
			LogChat:              true,
			EventPoolSize:        256,
		},
		Database: DatabaseConfig{
			Path: filepath.Join("data", "starrelay.db"),
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   100,
			MetricsEnabled: true,
			CertFile:       filepath.Join(DefaultConfigDir, "api-cert.pem"),
			KeyFile:        filepath.Join(DefaultConfigDir, "api-key.pem"),
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Port:     1883,
			ClientID: "starrelay",
			Topic:    "starrelay",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file.
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

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetProxy returns a copy of the proxy configuration.
func (c *Config) GetProxy() ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Proxy
}

// SetProxy updates the proxy configuration.
func (c *Config) SetProxy(p ProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Proxy = p
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateProxyField updates a single proxy option by its JSON key.
func (c *Config) UpdateProxyField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Proxy)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown proxy option %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var next ProxyConfig
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Proxy = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ListenAddr returns the host:port the proxy accepts clients on.
func (p ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(p.ListenHost, strconv.Itoa(p.ListenPort))
}

// UpstreamAddr returns the host:port of the real game server.
func (p ProxyConfig) UpstreamAddr() string {
	return net.JoinHostPort(p.UpstreamHost, strconv.Itoa(p.UpstreamPort))
}

// QueryAddr returns the UDP host:port the query responder binds.
func (p ProxyConfig) QueryAddr() string {
	return net.JoinHostPort(p.ListenHost, strconv.Itoa(p.QueryPort))
}

// DialTimeout returns the upstream dial timeout.
func (p ProxyConfig) DialTimeout() time.Duration {
	return time.Duration(p.DialTimeoutSec) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (p ProxyConfig) WriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutSec) * time.Second
}

// IdleTimeout returns how long a session may stay silent.
func (p ProxyConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSec) * time.Second
}

// HeartbeatInterval returns how often idle sessions are checked.
func (p ProxyConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSec) * time.Second
}
